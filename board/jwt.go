package board

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type ByJwt struct {
	UserId   Id
	UserName string
	BoardId  Id
}

// client-side claims extraction. the server is the verifier; the client
// only needs the identity fields for display and routing.
func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		byJwt.UserName = userName
	}
	if boardIdStr, ok := claims["board_id"].(string); ok {
		if boardId, err := ParseId(boardIdStr); err == nil {
			byJwt.BoardId = boardId
		}
	}

	return byJwt, nil
}
