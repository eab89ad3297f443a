package board

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type BoardApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewBoardApi(apiUrl string) *BoardApi {
	return NewBoardApiWithContext(context.Background(), apiUrl)
}

func NewBoardApiWithContext(ctx context.Context, apiUrl string) *BoardApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &BoardApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *BoardApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *BoardApi) Close() {
	self.cancel()
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	Session *AuthLoginResultSession `json:"session,omitempty"`
	Error   *AuthLoginResultError   `json:"error,omitempty"`
}

type AuthLoginResultSession struct {
	ByJwt string `json:"by_jwt"`
}

type AuthLoginResultError struct {
	Message string `json:"message"`
}

func (self *BoardApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		callback,
	)
}

func (self *BoardApi) AuthLoginSync(ctx context.Context, authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type GetBoardCallback apiCallback[*GetBoardResult]

type GetBoardResult struct {
	BoardId    Id               `json:"board_id"`
	Document   *DocumentData    `json:"document"`
	Items      []*ItemData      `json:"items"`
	Connectors []*ConnectorData `json:"connectors"`
	Groups     []*GroupData     `json:"groups"`
	Steps      []*StepData      `json:"steps"`
}

func (self *BoardApi) GetBoard(boardId Id, callback GetBoardCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/board/%s", self.apiUrl, boardId),
		self.byJwt,
		&GetBoardResult{},
		callback,
	)
}

func (self *BoardApi) GetBoardSync(ctx context.Context, boardId Id) (*GetBoardResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/board/%s", self.apiUrl, boardId),
		self.byJwt,
		&GetBoardResult{},
		NewNoopApiCallback[*GetBoardResult](),
	)
}

type PushPatchesCallback apiCallback[*PushPatchesResult]

type PushPatchesArgs struct {
	Patches []Patch `json:"patches"`
}

type PushPatchesResult struct {
	Error *PushPatchesError `json:"error,omitempty"`
}

type PushPatchesError struct {
	Message string `json:"message"`
}

func (self *BoardApi) PushPatches(boardId Id, pushPatches *PushPatchesArgs, callback PushPatchesCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/board/%s/patches", self.apiUrl, boardId),
		pushPatches,
		self.byJwt,
		&PushPatchesResult{},
		callback,
	)
}

func (self *BoardApi) PushPatchesSync(ctx context.Context, boardId Id, pushPatches *PushPatchesArgs) (*PushPatchesResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/board/%s/patches", self.apiUrl, boardId),
		pushPatches,
		self.byJwt,
		&PushPatchesResult{},
		NewNoopApiCallback[*PushPatchesResult](),
	)
}

type UploadAssetCallback apiCallback[*UploadAssetResult]

type UploadAssetArgs struct {
	ItemId      Id     `json:"item_id"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

type UploadAssetResult struct {
	Url   string            `json:"url,omitempty"`
	Error *UploadAssetError `json:"error,omitempty"`
}

type UploadAssetError struct {
	Message string `json:"message"`
}

func (self *BoardApi) UploadAsset(boardId Id, uploadAsset *UploadAssetArgs, callback UploadAssetCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/board/%s/assets", self.apiUrl, boardId),
		uploadAsset,
		self.byJwt,
		&UploadAssetResult{},
		callback,
	)
}

func (self *BoardApi) UploadAssetSync(ctx context.Context, boardId Id, uploadAsset *UploadAssetArgs) (*UploadAssetResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/board/%s/assets", self.apiUrl, boardId),
		uploadAsset,
		self.byJwt,
		&UploadAssetResult{},
		NewNoopApiCallback[*UploadAssetResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
