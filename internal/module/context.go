package module

import "strings"

// Entry 是一条上下文键值。
type Entry struct {
	Key   string
	Value string
}

// Context 是模块持有的有序上下文快照。键保持首次写入的顺序，
// 渲染提示词时输出稳定。快照构建完成后整体替换，从不部分更新。
type Context struct {
	keys   []string
	values map[string]string
}

// NewContext 创建空上下文。
func NewContext() *Context {
	return &Context{values: make(map[string]string)}
}

// Set 写入一个键值。已存在的键保留原有位置，只更新取值。
func (c *Context) Set(key, value string) {
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Get 返回键对应的取值。
func (c *Context) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Len 返回键的数量。
func (c *Context) Len() int {
	return len(c.keys)
}

// Keys 按写入顺序返回所有键的副本。
func (c *Context) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Clone 返回上下文的深拷贝。
func (c *Context) Clone() *Context {
	clone := NewContext()
	for _, key := range c.keys {
		clone.Set(key, c.values[key])
	}
	return clone
}

// Render 把上下文渲染成 "key: value" 的多行文本。
func (c *Context) Render() string {
	if len(c.keys) == 0 {
		return ""
	}
	var builder strings.Builder
	for idx, key := range c.keys {
		if idx > 0 {
			builder.WriteByte('\n')
		}
		builder.WriteString(key)
		builder.WriteString(": ")
		builder.WriteString(c.values[key])
	}
	return builder.String()
}
