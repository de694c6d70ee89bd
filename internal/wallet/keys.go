package wallet

import (
	"encoding/hex"
	"strings"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/web3"

	"github.com/mr-tron/base58"
)

// 钱包相关错误码，归属于 INVALID_INPUT 分类。
const (
	CodeInvalidKey    xerrors.Code = "INVALID_KEY"
	CodeInvalidAmount xerrors.Code = "INVALID_AMOUNT"
)

func init() {
	xerrors.Register(CodeInvalidKey, xerrors.Attributes{
		Message:  "invalid private key",
		Severity: xerrors.SeverityWarning,
		Parent:   xerrors.CodeInvalidInput,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:  "invalid payment amount",
		Severity: xerrors.SeverityInfo,
		Parent:   xerrors.CodeInvalidInput,
	})
}

// ValidateKey 校验并规范化指定网络的私钥。
// EVM 私钥为 64 位十六进制（可带 0x 前缀），返回小写形式；
// Solana 私钥为 base58 编码的 64 字节密钥对。
func ValidateKey(network web3.Network, raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", xerrors.New(CodeInvalidKey, "private key is empty")
	}

	switch network {
	case web3.NetworkBase:
		if strings.HasPrefix(key, "0x") || strings.HasPrefix(key, "0X") {
			key = key[2:]
		}
		if len(key) != 64 {
			return "", xerrors.New(CodeInvalidKey, "EVM private key must be 64 hex characters",
				xerrors.WithMetadata("network", string(network)))
		}
		if _, err := hex.DecodeString(key); err != nil {
			return "", xerrors.Wrap(CodeInvalidKey, err, "EVM private key is not valid hex",
				xerrors.WithMetadata("network", string(network)))
		}
		return strings.ToLower(key), nil
	case web3.NetworkSolana:
		decoded, err := base58.Decode(key)
		if err != nil {
			return "", xerrors.Wrap(CodeInvalidKey, err, "Solana private key is not valid base58",
				xerrors.WithMetadata("network", string(network)))
		}
		if len(decoded) != 64 {
			return "", xerrors.New(CodeInvalidKey, "Solana private key must decode to 64 bytes",
				xerrors.WithMetadata("network", string(network)))
		}
		return key, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidInput, "unsupported network: "+string(network))
	}
}
