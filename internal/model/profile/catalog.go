package profile

// Catalog 有序的板块目录
type Catalog struct {
	names    []string
	required []string
	index    map[string]struct{}
}

// SectionSpec 描述一个配置的板块
type SectionSpec struct {
	Name     string `yaml:"name"`
	Required *bool  `yaml:"required,omitempty"`
}

// NewCatalog 根据配置构建目录。板块默认必填，重复或空名称会被跳过。
func NewCatalog(specs []SectionSpec) Catalog {
	c := Catalog{index: make(map[string]struct{}, len(specs))}
	for _, def := range specs {
		if def.Name == "" {
			continue
		}
		if _, dup := c.index[def.Name]; dup {
			continue
		}
		c.index[def.Name] = struct{}{}
		c.names = append(c.names, def.Name)
		if def.Required == nil || *def.Required {
			c.required = append(c.required, def.Name)
		}
	}
	if len(c.names) == 0 {
		return CatalogOf(DefaultSections...)
	}
	return c
}

// CatalogOf 构建所有板块都必填的目录
func CatalogOf(names ...string) Catalog {
	specs := make([]SectionSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, SectionSpec{Name: name})
	}
	return NewCatalog(specs)
}

// Names 按配置顺序返回板块名
func (c Catalog) Names() []string { return append([]string(nil), c.names...) }

// Required 返回进入审阅前必须完成的板块
func (c Catalog) Required() []string { return append([]string(nil), c.required...) }

// Contains 判断 name 是否为已配置板块
func (c Catalog) Contains(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Next 返回 current 之后第一个未完成的板块
func (c Catalog) Next(st State, current string) (string, bool) {
	start := 0
	for i, name := range c.names {
		if name == current {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(c.names); i++ {
		name := c.names[(start+i)%len(c.names)]
		switch st.Sections[name].Status {
		case SectionCompleted, SectionApproved:
			continue
		default:
			if name != current {
				return name, true
			}
		}
	}
	return "", false
}
