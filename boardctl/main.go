package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/inklet/board/board"
)

const BoardCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Board control.

The default urls are:
    api_url: https://api.inklet.io
    sync_url: wss://sync.inklet.io

Usage:
    boardctl login [--api_url=<api_url>]
        --user_auth=<user_auth>
        --password=<password>
    boardctl pull [--api_url=<api_url>] --jwt=<jwt> <board_id>
    boardctl watch [--api_url=<api_url>] [--sync_url=<sync_url>]
        --jwt=<jwt> <board_id>
    boardctl cursors [--sync_url=<sync_url>] --jwt=<jwt> <board_id>

Options:
    -h --help                Show this screen.
    --version                Show version.
    --api_url=<api_url>
    --sync_url=<sync_url>
    --user_auth=<user_auth>
    --password=<password>
    --jwt=<jwt>              Your board JWT.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BoardCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if pull_, _ := opts.Bool("pull"); pull_ {
		pull(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if cursors_, _ := opts.Bool("cursors"); cursors_ {
		cursors(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl_, err := opts.String("--api_url"); err == nil && apiUrl_ != "" {
		return apiUrl_
	}
	return "https://api.inklet.io"
}

func syncUrl(opts docopt.Opts) string {
	if syncUrl_, err := opts.String("--sync_url"); err == nil && syncUrl_ != "" {
		return syncUrl_
	}
	return "wss://sync.inklet.io"
}

// log in and print the jwt
func login(opts docopt.Opts) {
	userAuth, _ := opts.String("--user_auth")
	password, _ := opts.String("--password")

	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	api := board.NewBoardApiWithContext(cancelCtx, apiUrl(opts))
	defer api.Close()

	result, err := api.AuthLoginSync(cancelCtx, &board.AuthLoginArgs{
		UserAuth: userAuth,
		Password: password,
	})
	if err != nil {
		Err.Printf("Login failed (%s).\n", err)
		os.Exit(1)
	}
	if result.Error != nil {
		Err.Printf("Login failed (%s).\n", result.Error.Message)
		os.Exit(1)
	}

	Out.Printf("%s", result.Session.ByJwt)
}

// pull the board once and print a summary of its resources
func pull(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	boardIdStr, _ := opts.String("<board_id>")

	boardId, err := board.ParseId(boardIdStr)
	if err != nil {
		Err.Printf("Invalid board_id (%s).\n", err)
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	api := board.NewBoardApiWithContext(cancelCtx, apiUrl(opts))
	defer api.Close()
	api.SetByJwt(jwt)

	repository := board.NewResourceRepositoryWithDefaults(cancelCtx, api, boardId)
	defer repository.Close()

	if err := repository.Init(cancelCtx); err != nil {
		Err.Printf("Pull failed (%s).\n", err)
		os.Exit(1)
	}

	state := repository.State()
	Out.Printf("%s", state.Document.Title)
	Out.Printf("items=%d connectors=%d groups=%d steps=%d",
		len(state.Items),
		len(state.Connectors),
		len(state.Groups),
		len(state.Steps),
	)
	for itemId, item := range state.Items {
		Out.Printf("item %s kind=%s at=(%g,%g)", itemId, item.Kind, item.X, item.Y)
	}
}

// pull the board, connect the transport and print remote patches until
// interrupted
func watch(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	boardIdStr, _ := opts.String("<board_id>")

	boardId, err := board.ParseId(boardIdStr)
	if err != nil {
		Err.Printf("Invalid board_id (%s).\n", err)
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := board.NewBoardApiWithContext(cancelCtx, apiUrl(opts))
	defer api.Close()
	api.SetByJwt(jwt)

	store := board.NewStore(nil)
	repository := board.NewResourceRepositoryWithDefaults(cancelCtx, api, boardId)
	defer repository.Close()

	coordinator := board.NewSyncCoordinatorWithDefaults(cancelCtx, store, repository, api, nil)
	defer coordinator.Close()

	if err := coordinator.Init(cancelCtx); err != nil {
		Err.Printf("Init failed (%s).\n", err)
		os.Exit(1)
	}

	auth := &board.SignalAuth{
		ByJwt:      jwt,
		InstanceId: board.NewId(),
		AppVersion: fmt.Sprintf("boardctl %s", BoardCtlVersion),
	}
	transport := board.NewSignalTransportWithDefaults(
		cancelCtx,
		fmt.Sprintf("%s/board/%s/signal", syncUrl(opts), boardId),
		auth,
	)
	defer transport.Close()

	unsub := transport.AddPatchCallback(func(patches []board.Patch) {
		for _, patch := range patches {
			Out.Printf("%s", patch)
		}
	})
	defer unsub()
	coordinator.AttachTransport(transport)

	Out.Printf("watching %s", boardId)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

// connect the presence channel and print collaborator cursors until
// interrupted
func cursors(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	boardIdStr, _ := opts.String("<board_id>")

	boardId, err := board.ParseId(boardIdStr)
	if err != nil {
		Err.Printf("Invalid board_id (%s).\n", err)
		os.Exit(1)
	}

	byJwt, err := board.ParseByJwtUnverified(jwt)
	if err != nil {
		Err.Printf("Invalid jwt (%s).\n", err)
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := board.NewStore(nil)

	auth := &board.SignalAuth{
		ByJwt:      jwt,
		InstanceId: board.NewId(),
		AppVersion: fmt.Sprintf("boardctl %s", BoardCtlVersion),
	}
	transport := board.NewSignalTransportWithDefaults(
		cancelCtx,
		fmt.Sprintf("%s/board/%s/signal", syncUrl(opts), boardId),
		auth,
	)
	defer transport.Close()

	presence := board.NewPresenceChannelWithDefaults(
		cancelCtx,
		store,
		transport,
		&board.UserIdentity{
			UserId: byJwt.UserId,
			Name:   byJwt.UserName,
		},
	)
	defer presence.Close()

	unsub := store.SubscribeTo(
		[]string{"document", "collaborators"},
		func(state *board.State, forward []board.Patch, inverse []board.Patch, dispatchOpts *board.DispatchOptions) {
			for _, collaborator := range state.Document.Collaborators {
				if collaborator.Cursor == nil {
					Out.Printf("%s (%s)", collaborator.Name, collaborator.Color)
				} else {
					Out.Printf("%s (%s) at=(%g,%g)",
						collaborator.Name,
						collaborator.Color,
						collaborator.Cursor.X,
						collaborator.Cursor.Y,
					)
				}
			}
		},
	)
	defer unsub()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}
