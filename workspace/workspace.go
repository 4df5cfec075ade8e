// Package workspace 管理工作流的磁盘布局：每个工作流独占一个持久化目录，
// 其下包含共享协作目录（collab）和各 agent 的私有工作目录。agent 目录内
// 通过软链接访问共享协作目录，终态产物从协作目录汇总收集。
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stateflow/types"
)

// Config 工作区配置
type Config struct {
	// 工作区根目录，所有工作流目录都创建在其下
	BaseDir string `yaml:"base_dir" json:"base_dir"`

	// 协作目录名，同时也是 agent 目录内软链接的名字
	CollabDirName string `yaml:"collab_dir_name" json:"collab_dir_name"`
}

// DefaultConfig 返回默认工作区配置
func DefaultConfig() Config {
	return Config{
		BaseDir:       "./workspaces",
		CollabDirName: "collab",
	}
}

// Layout 描述一个工作流的工作区布局
type Layout struct {
	// 工作流名称
	Workflow string `json:"workflow"`

	// 工作流目录（持久化，重复 Setup 不清理已有内容）
	Root string `json:"root"`

	// 共享协作目录
	Collab string `json:"collab"`

	// agent 名到其私有目录的映射
	AgentDirs map[string]string `json:"agent_dirs"`
}

// AgentDir 返回指定 agent 的私有目录
func (l *Layout) AgentDir(name string) (string, bool) {
	dir, ok := l.AgentDirs[name]
	return dir, ok
}

// AgentNames 返回布局内全部 agent 名（字典序）
func (l *Layout) AgentNames() []string {
	names := make([]string, 0, len(l.AgentDirs))
	for name := range l.AgentDirs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manager 负责工作区目录结构的创建与协作产物的收集
type Manager struct {
	config Config
	logger *zap.Logger
}

// NewManager 创建工作区管理器
func NewManager(config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BaseDir == "" {
		config.BaseDir = DefaultConfig().BaseDir
	}
	if config.CollabDirName == "" {
		config.CollabDirName = DefaultConfig().CollabDirName
	}
	return &Manager{
		config: config,
		logger: logger.With(zap.String("component", "workspace")),
	}
}

// Root 返回工作流的工作区根目录。只做路径拼接，不创建任何目录。
func (m *Manager) Root(workflow string) string {
	return filepath.Join(m.config.BaseDir, workflow)
}

// WorkflowOf 从工作区内的任意路径反推所属的工作流名。路径不在
// 工作区根目录之下时返回 false。
func (m *Manager) WorkflowOf(path string) (string, bool) {
	rel, err := filepath.Rel(m.config.BaseDir, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	name, _, _ := strings.Cut(rel, "/")
	if name == "" {
		return "", false
	}
	return name, true
}

// Setup 为工作流建立目录结构。重复调用是幂等的：已存在的目录和文件
// 原样保留，缺失的部分补齐。软链接失败只记录告警，不阻断工作流。
func (m *Manager) Setup(workflow string, agents []string) (*Layout, error) {
	if workflow == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "workflow name is required")
	}

	root := filepath.Join(m.config.BaseDir, workflow)
	collab := filepath.Join(root, m.config.CollabDirName)

	layout := &Layout{
		Workflow:  workflow,
		Root:      root,
		Collab:    collab,
		AgentDirs: make(map[string]string, len(agents)),
	}

	dirs := []string{root, collab}
	for _, agent := range agents {
		dir := filepath.Join(root, agent)
		layout.AgentDirs[agent] = dir
		dirs = append(dirs, dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.NewErrorf(types.ErrStoreFailure,
				"failed to create workspace directory %s", dir).WithCause(err)
		}
	}

	// 空的协作目录放置占位文件，避免被上层当作不存在
	if err := m.placeKeepFile(collab); err != nil {
		return nil, err
	}

	for _, agent := range agents {
		m.linkCollab(layout.AgentDirs[agent], collab)
	}

	m.logger.Info("workspace initialized",
		zap.String("workflow", workflow),
		zap.String("root", root),
		zap.Int("agents", len(agents)),
	)
	return layout, nil
}

// placeKeepFile 在空协作目录内创建 .keep 占位
func (m *Manager) placeKeepFile(collab string) error {
	entries, err := os.ReadDir(collab)
	if err != nil {
		return types.NewErrorf(types.ErrStoreFailure,
			"failed to read collab directory %s", collab).WithCause(err)
	}
	if len(entries) > 0 {
		return nil
	}
	keep := filepath.Join(collab, ".keep")
	if err := os.WriteFile(keep, nil, 0o644); err != nil {
		return types.NewErrorf(types.ErrStoreFailure,
			"failed to place keep file in %s", collab).WithCause(err)
	}
	return nil
}

// linkCollab 在 agent 目录内建立指向共享协作目录的软链接。已存在且指向
// 正确的链接保持不动；指向错误的链接或同名目录先移除再重建。
func (m *Manager) linkCollab(agentDir, collab string) {
	link := filepath.Join(agentDir, m.config.CollabDirName)
	target, err := filepath.Abs(collab)
	if err != nil {
		m.logger.Warn("failed to resolve collab path", zap.String("collab", collab), zap.Error(err))
		return
	}

	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			if resolved, err := filepath.EvalSymlinks(link); err == nil {
				if expected, err := filepath.EvalSymlinks(target); err == nil && resolved == expected {
					return
				}
			}
			if err := os.Remove(link); err != nil {
				m.logger.Warn("failed to remove stale collab link", zap.String("link", link), zap.Error(err))
				return
			}
		} else if fi.IsDir() {
			if err := os.RemoveAll(link); err != nil {
				m.logger.Warn("failed to remove directory shadowing collab link", zap.String("link", link), zap.Error(err))
				return
			}
		} else {
			if err := os.Remove(link); err != nil {
				m.logger.Warn("failed to remove file shadowing collab link", zap.String("link", link), zap.Error(err))
				return
			}
		}
	}

	if err := os.Symlink(target, link); err != nil {
		m.logger.Warn("failed to create collab link",
			zap.String("link", link),
			zap.String("target", target),
			zap.Error(err),
		)
		return
	}

	if resolved, err := filepath.EvalSymlinks(link); err != nil || resolved != mustEval(target) {
		m.logger.Warn("collab link resolves to unexpected target",
			zap.String("link", link),
			zap.String("resolved", resolved),
		)
	}
}

func mustEval(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	return resolved
}

// Collect 汇总协作目录下全部文件内容作为工作流的终态产物。隐藏文件
// （以 . 开头）被跳过；无法读取的文件以占位说明代替内容。目录为空时
// 返回空串。
func (m *Manager) Collect(layout *Layout) (string, error) {
	var blocks []string

	err := filepath.WalkDir(layout.Collab, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			// 悬空链接不算文件，指向真实文件的链接照常收录
			if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
				return nil
			}
		}

		rel, err := filepath.Rel(layout.Collab, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			blocks = append(blocks, fmt.Sprintf("=== %s ===\n[unreadable file: %v]", rel, err))
			return nil
		}
		blocks = append(blocks, fmt.Sprintf("=== %s ===\n%s", rel, string(data)))
		return nil
	})
	if err != nil {
		return "", types.NewErrorf(types.ErrStoreFailure,
			"failed to collect collab content for %s", layout.Workflow).WithCause(err)
	}

	return strings.Join(blocks, "\n\n"), nil
}
