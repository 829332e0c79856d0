package wallet

import (
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentWallet/internal/errors"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidateAddress 要求 0x 前缀加 40 位十六进制字符。
func ValidateAddress(addr string) error {
	if !addressPattern.MatchString(addr) || !common.IsHexAddress(addr) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("Invalid address format: %s", addr))
	}
	return nil
}

// ValidateTransfer 在任何远程调用之前做本地校验。
func ValidateTransfer(req TransferRequest) error {
	if err := ValidateAddress(req.To); err != nil {
		return err
	}
	if !req.Amount.IsPositive() {
		return xerrors.New(xerrors.CodeInvalidArgument, "Amount must be positive")
	}
	return nil
}

// ErrorMessage 返回错误面向用户的文本，统一错误类型不带底层原因。
func ErrorMessage(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}
