package web3

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one chain endpoint. rpc_url may reference
// environment variables (${ALCHEMY_KEY}) so provider keys stay out of the file.
type ChainDefinition struct {
	Type        string `yaml:"type" validate:"omitempty,oneof=evm"`
	RPCURL      string `yaml:"rpc_url" validate:"required,url"`
	ChainID     int64  `yaml:"chain_id" validate:"gte=0"`
	Description string `yaml:"description" validate:"max=256"`

	// secrets holds the values substituted into rpc_url.
	secrets []string
}

// Secrets returns the environment values expanded into the RPC URL.
func (d ChainDefinition) Secrets() []string {
	return d.secrets
}

var (
	envRef           = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	chainValidate    = validator.New()
	chainNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

func init() {
	chainValidate.RegisterTagNameFunc(func(field reflect.StructField) string {
		return yamlName(field.Tag.Get("yaml"))
	})
}

// LoadChainDefinitions parses the chain file. An empty path yields no chains.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}

	names := make([]string, 0, len(defs.Chains))
	for name := range defs.Chains {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		def := defs.Chains[name]
		if !chainNamePattern.MatchString(name) {
			errs = append(errs, fmt.Errorf("链名称 %q 只能包含小写字母、数字、- 与 _", name))
			continue
		}
		def.RPCURL, def.secrets = expandEnv(strings.TrimSpace(def.RPCURL))
		if err := chainValidate.Struct(def); err != nil {
			errs = append(errs, describeChainError(name, err))
			continue
		}
		defs.Chains[name] = def
	}
	if len(errs) > 0 {
		return ChainDefinitions{}, errors.Join(errs...)
	}
	return defs, nil
}

// expandEnv 展开 ${VAR} 引用并返回被替换进去的值。
func expandEnv(raw string) (string, []string) {
	var secrets []string
	expanded := envRef.ReplaceAllStringFunc(raw, func(ref string) string {
		value := os.Getenv(envRef.FindStringSubmatch(ref)[1])
		if value != "" {
			secrets = append(secrets, value)
		}
		return value
	})
	return expanded, secrets
}

func describeChainError(name string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("链 %s 配置不合法: %w", name, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("缺少 %s", fe.Field()))
		case "url":
			// 不回显 URL，其中可能含有展开后的密钥。
			parts = append(parts, fmt.Sprintf("%s 不是合法的 URL", fe.Field()))
		default:
			parts = append(parts, fmt.Sprintf("%s 不满足 %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("链 %s 配置不合法: %s", name, strings.Join(parts, "; "))
}

func yamlName(tag string) string {
	name, _, _ := strings.Cut(tag, ",")
	return name
}
