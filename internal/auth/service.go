package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"os"
	"strings"

	xerrors "X402-Agent/internal/errors"
)

// Service 校验运维 API 的访问密钥。
type Service struct {
	mode Mode
	keys []apiKey
}

type apiKey struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// NewService 根据配置创建认证服务，密钥从 KeySpec.KeyEnv 指定的环境变量读取。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	switch mode {
	case "", ModeDisabled:
		return &Service{mode: ModeDisabled}, nil
	case ModeAPIKey:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidInput, "不支持的认证模式: "+string(cfg.Mode))
	}

	svc := &Service{mode: ModeAPIKey}
	for _, spec := range cfg.Keys {
		secret := strings.TrimSpace(os.Getenv(spec.KeyEnv))
		if secret == "" {
			return nil, xerrors.New(xerrors.CodeInvalidInput, "未设置 API 密钥",
				xerrors.WithMetadata("name", spec.Name),
				xerrors.WithMetadata("env", spec.KeyEnv))
		}
		svc.addKey(secret, &Subject{Name: spec.Name, Permissions: spec.Permissions, Disabled: spec.Disabled})
	}
	if len(svc.keys) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "api_key 模式至少需要一个密钥")
	}
	return svc, nil
}

func (s *Service) addKey(secret string, subject *Subject) {
	subject.normalise()
	s.keys = append(s.keys, apiKey{digest: sha256.Sum256([]byte(secret)), subject: subject})
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头（Bearer 或 ApiKey 前缀）并返回对应主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, nil
	}
	token := bearerToken(authorization)
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			match = k.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	for _, prefix := range []string{"Bearer ", "ApiKey "} {
		if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
			return strings.TrimSpace(header[len(prefix):])
		}
	}
	return ""
}
