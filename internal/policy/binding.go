// Package policy holds the per-server and per-destination policy objects
// that govern routing, binding and notices, together with the template,
// filter and challenge-code helpers that evaluate them.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CodeMode selects the alphabet used for binding challenge codes.
type CodeMode string

const (
	CodeModeMix    CodeMode = "mix"
	CodeModeNumber CodeMode = "number"
	CodeModeWord   CodeMode = "word"
	CodeModeUpper  CodeMode = "upper"
	CodeModeLower  CodeMode = "lower"
)

// BindingConfig controls account binding for one server.
type BindingConfig struct {
	MaxBindCount     int      `json:"maxBindCount" yaml:"maxBindCount"`
	CodeLength       int      `json:"codeLength" yaml:"codeLength"`
	CodeMode         CodeMode `json:"codeMode" yaml:"codeMode"`
	CodeExpire       int      `json:"codeExpire" yaml:"codeExpire"`
	AllowUnbind      bool     `json:"allowUnbind" yaml:"allowUnbind"`
	AllowGroupUnbind bool     `json:"allowGroupUnbind" yaml:"allowGroupUnbind"`
	Prefix           string   `json:"prefix" yaml:"prefix"`
	UnbindPrefix     string   `json:"unbindPrefix" yaml:"unbindPrefix"`
	ForceBind        bool     `json:"forceBind" yaml:"forceBind"`
	NoBindKickMsg    string   `json:"nobindkickMsg" yaml:"nobindkickMsg"`
	UnbindKickMsg    string   `json:"unbindkickMsg" yaml:"unbindkickMsg"`
	BindSuccessMsg   string   `json:"bindSuccessMsg" yaml:"bindSuccessMsg"`
	BindFailMsg      string   `json:"bindFailMsg" yaml:"bindFailMsg"`
	UnbindSuccessMsg string   `json:"unbindSuccessMsg" yaml:"unbindSuccessMsg"`
	UnbindFailMsg    string   `json:"unbindFailMsg" yaml:"unbindFailMsg"`
}

// DefaultBindingConfig returns the binding policy applied to new servers.
func DefaultBindingConfig() BindingConfig {
	return BindingConfig{
		MaxBindCount:     4,
		CodeLength:       6,
		CodeMode:         CodeModeMix,
		CodeExpire:       5,
		AllowUnbind:      true,
		AllowGroupUnbind: true,
		Prefix:           "/绑定 ",
		UnbindPrefix:     "/解绑 ",
		ForceBind:        false,
		NoBindKickMsg:    "你好，&a{name}&r！\n你还没有完成账号绑定，&c无法进入服务器！\n请在群里发送：&b{message}\n该验证码将在 &c{time} &r后失效，请尽快绑定。",
		UnbindKickMsg:    "&l&k123456&a&l社交帐号被解绑&r&l&k123456\n您的社交账号&c {social_account} &r已在社交平台解绑。",
		BindSuccessMsg:   "绑定 {user} 成功! 你可以进入服务器了!",
		BindFailMsg:      "绑定 {user} 失败! {why}",
		UnbindSuccessMsg: "解除绑定 {user} 成功!",
		UnbindFailMsg:    "解除绑定 {user} 失败! {why}",
	}
}

// ParseBindingConfig decodes raw over the defaults. Empty input yields the defaults.
func ParseBindingConfig(raw []byte) (BindingConfig, error) {
	cfg := DefaultBindingConfig()
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return BindingConfig{}, fmt.Errorf("decoding binding config: %w", err)
	}
	return cfg, nil
}

// Validate checks the value ranges accepted by the admin surface.
func (c BindingConfig) Validate() error {
	var errs []string
	if c.MaxBindCount < 1 || c.MaxBindCount > 10 {
		errs = append(errs, fmt.Sprintf("maxBindCount must be 1-10, got %d", c.MaxBindCount))
	}
	if c.CodeLength < 4 || c.CodeLength > 12 {
		errs = append(errs, fmt.Sprintf("codeLength must be 4-12, got %d", c.CodeLength))
	}
	if _, ok := codeAlphabets[c.CodeMode]; !ok {
		errs = append(errs, fmt.Sprintf("codeMode %q is not supported", c.CodeMode))
	}
	if c.CodeExpire < 1 || c.CodeExpire > 60 {
		errs = append(errs, fmt.Sprintf("codeExpire must be 1-60 minutes, got %d", c.CodeExpire))
	}
	if c.Prefix == "" {
		errs = append(errs, "prefix must not be empty")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
