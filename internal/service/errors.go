package service

import "errors"

// 业务层错误统一用大写错误码做消息，handler 与 ws 网关据此映射
// HTTP 状态码 / ack 错误码，措辞与客户端约定保持一致。
var (
	ErrForbidden          = errors.New("FORBIDDEN")
	ErrUserBanned         = errors.New("USER_BANNED")
	ErrNotFound           = errors.New("MESSAGE_NOT_FOUND")
	ErrConversationGone   = errors.New("CONVERSATION_NOT_FOUND")
	ErrContentRequired    = errors.New("CONTENT_REQUIRED")
	ErrContentTooLong     = errors.New("CONTENT_TOO_LONG")
	ErrInvalidMessageType = errors.New("INVALID_MESSAGE_TYPE")
	ErrInvalidID          = errors.New("INVALID_ID")
	ErrInvalidMemberIDs   = errors.New("INVALID_MEMBER_ID")
	ErrInvalidConvType    = errors.New("INVALID_CONVERSATION_TYPE")
	ErrNameTooLong        = errors.New("NAME_TOO_LONG")
	ErrRateLimited        = errors.New("RATE_LIMITED")
	ErrUsernameTaken      = errors.New("USERNAME_TAKEN")
	ErrInvalidCredentials = errors.New("INVALID_CREDENTIALS")
)
