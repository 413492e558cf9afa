package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTransport 传输层错误（写入失败、命令通道不可用等）
	ErrTransport = errors.New("传输错误")
	// ErrConnectionClosed 连接关闭时待决请求收到的错误
	ErrConnectionClosed = errors.New("连接已关闭")
	// ErrReadTimeout 读超时，连接疑似已断开
	ErrReadTimeout = errors.New("读取超时")
	// ErrStreamEnded 入站数据流结束
	ErrStreamEnded = errors.New("WebSocket 数据流已结束")
	// ErrRemoteClosed 服务端发送了 close 帧
	ErrRemoteClosed = errors.New("服务端关闭了连接")
	// ErrClosedByCommand 收到 Close 命令主动断开
	ErrClosedByCommand = errors.New("连接被命令关闭")
	// ErrNotFound 取消订阅的频道不存在
	ErrNotFound = errors.New("订阅不存在")
	// ErrAlreadySubscribed 频道已在任一注册表中
	ErrAlreadySubscribed = errors.New("频道已订阅")
	// ErrShutdown 会话已关闭
	ErrShutdown = errors.New("会话已关闭")
	// ErrNoCredentials 未配置登录凭证
	ErrNoCredentials = errors.New("未配置登录凭证")
)

// ErrorCode 服务端错误码
type ErrorCode int

const (
	CodeOrderNotFound                 ErrorCode = 1
	CodeDuplicateOrderID              ErrorCode = 2
	CodeTooManyPendingRequests        ErrorCode = 3
	CodeThrottleExceeded              ErrorCode = 4
	CodeUnknownInstrument             ErrorCode = 5
	CodeInvalidRequest                ErrorCode = 6
	CodeNotLoggedIn                   ErrorCode = 7
	CodeAlreadySubscribed             ErrorCode = 8
	CodeNotSubscribed                 ErrorCode = 9
	CodePartitionUnavailable          ErrorCode = 10
	CodeSessionExhausted              ErrorCode = 11
	CodeInvalidOrderID                ErrorCode = 12
	CodeInvalidPrice                  ErrorCode = 13
	CodeInvalidQuantity               ErrorCode = 14
	CodePriceNotAlignedWithTick       ErrorCode = 15
	CodeInstrumentExists              ErrorCode = 16
	CodeUnknownProduct                ErrorCode = 17
	CodeProductExists                 ErrorCode = 18
	CodeAuthenticationFailed          ErrorCode = 19
	CodeTemporaryFailure              ErrorCode = 20
	CodeInvalidPartition              ErrorCode = 21
	CodeInvalidProtGroup              ErrorCode = 22
	CodeProtNotSet                    ErrorCode = 23
	CodeInsufficientMargin            ErrorCode = 24
	CodeInvalidTimeInForce            ErrorCode = 25
	CodeAccountLocked                 ErrorCode = 26
	CodeInsufficientFunds             ErrorCode = 27
	CodeUnauthorized                  ErrorCode = 28
	CodeNeedTOTP                      ErrorCode = 29
	CodeNeedSMS                       ErrorCode = 30
	CodeUnknownMethod                 ErrorCode = 31
	CodeRequire2FA                    ErrorCode = 32
	CodePasswordNotAccepted           ErrorCode = 33
	CodeInvalidVerificationCode       ErrorCode = 34
	CodeInvalidEmailAddress           ErrorCode = 35
	CodeInvalidSessionForMassQuoting  ErrorCode = 36
	CodeInvalidState                  ErrorCode = 37
	CodeInvalidPhoneNumber            ErrorCode = 38
	CodeUnknownAsset                  ErrorCode = 39
	CodeUnknownUnderlying             ErrorCode = 40
	CodeInsufficientLiquidity         ErrorCode = 41
	CodeExcludedJurisdiction          ErrorCode = 42
	CodePriceCollarBreach             ErrorCode = 43
	CodeQuoteExceedsProtGroupSize     ErrorCode = 44
	CodeUnboundedMarketOrder          ErrorCode = 45
	CodeUnsupportedBtcTransfer        ErrorCode = 46
	CodeSMSThrottleExceeded           ErrorCode = 47
	CodeInsufficientFeeFunds          ErrorCode = 48
	CodeTooManyOpenOrders             ErrorCode = 49
	CodeTotalOrderSizeTooLarge        ErrorCode = 50
	CodeMQPNotEnabled                 ErrorCode = 51
	CodePersistentSession             ErrorCode = 52
	CodeAPIConnectionLimitReached     ErrorCode = 53
	CodeAssetNotTransactable          ErrorCode = 54
	CodeMaxBotsReached                ErrorCode = 55
	CodeComboTotalGrossAmountTooLarge ErrorCode = 56
	CodeReduceOnlyMode                ErrorCode = 57
	CodeRejectedOnVolumeQuota         ErrorCode = 58
)

var errorCodeNames = map[ErrorCode]string{
	CodeOrderNotFound:                 "order_not_found",
	CodeDuplicateOrderID:              "duplicate_order_id",
	CodeTooManyPendingRequests:        "too_many_pending_requests",
	CodeThrottleExceeded:              "throttle_exceeded",
	CodeUnknownInstrument:             "unknown_instrument",
	CodeInvalidRequest:                "invalid_request",
	CodeNotLoggedIn:                   "not_logged_in",
	CodeAlreadySubscribed:             "already_subscribed",
	CodeNotSubscribed:                 "not_subscribed",
	CodePartitionUnavailable:          "partition_unavailable",
	CodeSessionExhausted:              "session_exhausted",
	CodeInvalidOrderID:                "invalid_order_id",
	CodeInvalidPrice:                  "invalid_price",
	CodeInvalidQuantity:               "invalid_quantity",
	CodePriceNotAlignedWithTick:       "price_not_aligned_with_tick",
	CodeInstrumentExists:              "instrument_exists",
	CodeUnknownProduct:                "unknown_product",
	CodeProductExists:                 "product_exists",
	CodeAuthenticationFailed:          "authentication_failed",
	CodeTemporaryFailure:              "temporary_failure",
	CodeInvalidPartition:              "invalid_partition",
	CodeInvalidProtGroup:              "invalid_prot_group",
	CodeProtNotSet:                    "prot_not_set",
	CodeInsufficientMargin:            "insufficient_margin",
	CodeInvalidTimeInForce:            "invalid_time_in_force",
	CodeAccountLocked:                 "account_locked",
	CodeInsufficientFunds:             "insufficient_funds",
	CodeUnauthorized:                  "unauthorized",
	CodeNeedTOTP:                      "need_totp",
	CodeNeedSMS:                       "need_sms",
	CodeUnknownMethod:                 "unknown_method",
	CodeRequire2FA:                    "require_2fa",
	CodePasswordNotAccepted:           "password_not_accepted",
	CodeInvalidVerificationCode:       "invalid_verification_code",
	CodeInvalidEmailAddress:           "invalid_email_address",
	CodeInvalidSessionForMassQuoting:  "invalid_session_for_mass_quoting",
	CodeInvalidState:                  "invalid_state",
	CodeInvalidPhoneNumber:            "invalid_phone_number",
	CodeUnknownAsset:                  "unknown_asset",
	CodeUnknownUnderlying:             "unknown_underlying",
	CodeInsufficientLiquidity:         "insufficient_liquidity",
	CodeExcludedJurisdiction:          "excluded_jurisdiction",
	CodePriceCollarBreach:             "price_collar_breach",
	CodeQuoteExceedsProtGroupSize:     "quote_exceeds_prot_group_size",
	CodeUnboundedMarketOrder:          "unbounded_market_order",
	CodeUnsupportedBtcTransfer:        "unsupported_btc_transfer",
	CodeSMSThrottleExceeded:           "sms_throttle_exceeded",
	CodeInsufficientFeeFunds:          "insufficient_fee_funds",
	CodeTooManyOpenOrders:             "too_many_open_orders",
	CodeTotalOrderSizeTooLarge:        "total_order_size_too_large",
	CodeMQPNotEnabled:                 "mqp_not_enabled",
	CodePersistentSession:             "persistent_session",
	CodeAPIConnectionLimitReached:     "api_connection_limit_reached",
	CodeAssetNotTransactable:          "asset_not_transactable",
	CodeMaxBotsReached:                "max_bots_reached",
	CodeComboTotalGrossAmountTooLarge: "combo_total_gross_amount_too_large",
	CodeReduceOnlyMode:                "reduce_only_mode",
	CodeRejectedOnVolumeQuota:         "rejected_on_volume_quota",
}

// String 返回错误码名称，未知错误码返回 "code_<n>"
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Known 错误码是否在已知目录中
func (c ErrorCode) Known() bool {
	_, ok := errorCodeNames[c]
	return ok
}

// RPCError 服务端在响应 error 字段中返回的错误
type RPCError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Method 产生该错误的请求方法
	Method string `json:"-"`
}

// Error 实现 error 接口
func (e *RPCError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s 返回错误 %d(%s): %s", e.Method, int(e.Code), e.Code, e.Message)
	}
	return fmt.Sprintf("RPC 错误 %d(%s): %s", int(e.Code), e.Code, e.Message)
}

// ParseError 响应或推送无法解码为目标类型
type ParseError struct {
	Target string
	Err    error
}

// Error 实现 error 接口
func (e *ParseError) Error() string {
	return fmt.Sprintf("解析 %s 失败: %v", e.Target, e.Err)
}

// Unwrap 返回底层解码错误
func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsRPCCode 判断错误链中是否包含指定错误码的 RPCError
func IsRPCCode(err error, code ErrorCode) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
