package gateway

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	xerrors "AgentWallet/internal/errors"
	"AgentWallet/internal/money"
	"AgentWallet/internal/wallet"
)

// Service 是目录中的一项付费服务。
type Service struct {
	Name        string          `json:"name"`
	Destination string          `json:"destination"`
	Cost        decimal.Decimal `json:"cost_usdc"`
	Description string          `json:"description,omitempty"`
}

// Catalog 是服务名到收款地址与固定价格的静态映射，创建后不再修改。
type Catalog struct {
	services map[string]Service
	names    []string
}

// DefaultServices 返回内置的四个演示服务。
func DefaultServices() []Service {
	return []Service{
		{Name: "weather", Destination: "0x1234567890abcdef1234567890abcdef12345678", Cost: decimal.RequireFromString("0.001"), Description: "Current weather for a city"},
		{Name: "stock", Destination: "0xabcdef1234567890abcdef1234567890abcdef12", Cost: decimal.RequireFromString("0.002"), Description: "Latest stock quote for a ticker"},
		{Name: "news", Destination: "0xfedcba0987654321fedcba0987654321fedcba09", Cost: decimal.RequireFromString("0.003"), Description: "Headlines on a topic"},
		{Name: "translation", Destination: "0x1111111111111111111111111111111111111111", Cost: decimal.RequireFromString("0.005"), Description: "Translate text to a target language"},
	}
}

// DefaultCatalog 返回内置服务目录。
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultServices())
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog 根据服务列表构建目录，只检查名称是否为空或重复。
// 地址与价格在 Validate 或 LoadCatalogFile 中校验。
func NewCatalog(services []Service) (*Catalog, error) {
	c := &Catalog{services: make(map[string]Service, len(services))}
	for _, svc := range services {
		svc.Name = strings.TrimSpace(svc.Name)
		if svc.Name == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务名称不能为空")
		}
		if _, dup := c.services[svc.Name]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("服务 %s 重复定义", svc.Name))
		}
		c.services[svc.Name] = svc
		c.names = append(c.names, svc.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Validate 校验每个服务的收款地址与价格。
func (c *Catalog) Validate() error {
	if len(c.names) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "服务目录为空")
	}
	for _, name := range c.names {
		svc := c.services[name]
		if err := wallet.ValidateAddress(svc.Destination); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("服务 %s 的收款地址无效", name))
		}
		if !svc.Cost.IsPositive() {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("服务 %s 的价格必须为正数", name))
		}
		if _, err := money.ToMicros(svc.Cost); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("服务 %s 的价格超出 USDC 精度", name))
		}
	}
	return nil
}

// Lookup 按名称查找服务。
func (c *Catalog) Lookup(name string) (Service, bool) {
	svc, ok := c.services[name]
	return svc, ok
}

// Names 返回按字母排序的服务名称。
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Services 返回按名称排序的服务列表。
func (c *Catalog) Services() []Service {
	out := make([]Service, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.services[name])
	}
	return out
}

// catalogFile models the structure of configs/services.yaml.
type catalogFile struct {
	Services map[string]struct {
		Destination string `yaml:"destination"`
		Cost        string `yaml:"cost"`
		Description string `yaml:"description"`
	} `yaml:"services"`
}

// LoadCatalogFile 读取 YAML 服务目录并完成校验。path 为空时返回内置目录。
func LoadCatalogFile(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取服务目录失败")
	}

	var file catalogFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析服务目录失败")
	}

	services := make([]Service, 0, len(file.Services))
	for name, entry := range file.Services {
		cost, err := money.ParseUSDC(entry.Cost)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("服务 %s 的价格无法解析", name))
		}
		services = append(services, Service{
			Name:        name,
			Destination: strings.TrimSpace(entry.Destination),
			Cost:        cost,
			Description: entry.Description,
		})
	}

	catalog, err := NewCatalog(services)
	if err != nil {
		return nil, err
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}
