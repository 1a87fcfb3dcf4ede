// Package profile 提供智能体档案的只读视图。档案本身由外部子系统
// 维护，核心引擎只在协作体创建时解析身份与校验资质，投票阶段不再
// 重复校验。
package profile

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "QuorumLaunch/internal/errors"
)

// Agent 是智能体档案的只读引用。钱包地址一经验证不可变更；
// 聚合统计由引擎派生，外部不可直接写入。
type Agent struct {
	ID           string   `yaml:"id" json:"id"`
	Wallet       string   `yaml:"wallet" json:"wallet"`
	Capabilities []string `yaml:"capabilities" json:"capabilities,omitempty"`
	Verified     bool     `yaml:"verified" json:"verified"`
}

// ErrAgentNotFound 表示目录中不存在指定的智能体。
var ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")

const CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Directory 抽象智能体身份解析能力。
type Directory interface {
	// Resolve 按 ID 返回智能体档案。
	Resolve(ctx context.Context, id string) (*Agent, error)
	// ResolveWallet 按钱包地址返回智能体档案。
	ResolveWallet(ctx context.Context, wallet string) (*Agent, error)
}

// StaticDirectory 从 YAML 文件加载固定的智能体目录。
type StaticDirectory struct {
	byID     map[string]*Agent
	byWallet map[string]*Agent
}

type directoryFile struct {
	Agents []Agent `yaml:"agents"`
}

// LoadStaticDirectory 解析 YAML 目录文件。
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体目录路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取智能体目录失败: %w", err)
	}
	var file directoryFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析智能体目录失败: %w", err)
	}
	dir := &StaticDirectory{
		byID:     make(map[string]*Agent, len(file.Agents)),
		byWallet: make(map[string]*Agent, len(file.Agents)),
	}
	for i := range file.Agents {
		agent := file.Agents[i]
		if agent.ID == "" {
			continue
		}
		dir.byID[agent.ID] = &agent
		if agent.Wallet != "" {
			dir.byWallet[strings.ToLower(agent.Wallet)] = &agent
		}
	}
	return dir, nil
}

// Resolve 实现 Directory 接口。
func (d *StaticDirectory) Resolve(_ context.Context, id string) (*Agent, error) {
	agent, ok := d.byID[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *agent
	return &clone, nil
}

// ResolveWallet 实现 Directory 接口。
func (d *StaticDirectory) ResolveWallet(_ context.Context, wallet string) (*Agent, error) {
	agent, ok := d.byWallet[strings.ToLower(wallet)]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *agent
	return &clone, nil
}

// MemoryDirectory 以内存方式维护目录，主要用于测试。
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryDirectory 创建 MemoryDirectory。
func NewMemoryDirectory(agents ...Agent) *MemoryDirectory {
	dir := &MemoryDirectory{agents: make(map[string]*Agent, len(agents))}
	for i := range agents {
		agent := agents[i]
		dir.agents[agent.ID] = &agent
	}
	return dir
}

// Put 写入或覆盖一条档案。
func (d *MemoryDirectory) Put(agent Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agent.ID] = &agent
}

// Resolve 实现 Directory 接口。
func (d *MemoryDirectory) Resolve(_ context.Context, id string) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agent, ok := d.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *agent
	return &clone, nil
}

// ResolveWallet 实现 Directory 接口。
func (d *MemoryDirectory) ResolveWallet(_ context.Context, wallet string) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, agent := range d.agents {
		if strings.EqualFold(agent.Wallet, wallet) {
			clone := *agent
			return &clone, nil
		}
	}
	return nil, ErrAgentNotFound
}

var (
	_ Directory = (*StaticDirectory)(nil)
	_ Directory = (*MemoryDirectory)(nil)
)
