package registry

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Charger 受管充电桩条目
type Charger struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Connector int    `yaml:"connector"`
	IDTag     string `yaml:"idTag"`
}

type chargersFile struct {
	Chargers []Charger `yaml:"chargers"`
}

// Registry 充电桩清单，按 id 索引
type Registry struct {
	mu       sync.RWMutex
	chargers map[string]Charger
	order    []string
}

// Load 从 YAML 文件读取清单。
// 缺省字段补齐：connector 默认 1，idTag 缺失时生成并保留随机标签。
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	var f chargersFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	return fromList(f.Chargers)
}

func fromList(list []Charger) (*Registry, error) {
	r := &Registry{chargers: make(map[string]Charger, len(list))}
	for i, c := range list {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return nil, fmt.Errorf("registry: charger #%d missing id", i+1)
		}
		if _, dup := r.chargers[c.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate charger id %q", c.ID)
		}
		if c.Name == "" {
			c.Name = c.ID
		}
		if c.Connector <= 0 {
			c.Connector = 1
		}
		if c.IDTag == "" {
			// OCPP idTag 上限 20 字符
			c.IDTag = "APP-" + strings.ToUpper(uuid.NewString()[:8])
		}
		r.chargers[c.ID] = c
		r.order = append(r.order, c.ID)
	}
	return r, nil
}

// Get 按 id 查找
func (r *Registry) Get(id string) (Charger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chargers[id]
	return c, ok
}

// All 按文件顺序返回全部条目
func (r *Registry) All() []Charger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Charger, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.chargers[id])
	}
	return out
}

// Len 条目数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
