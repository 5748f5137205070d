//go:build !no_automation

package automation

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single automation script stored on disk as <id>.lua.
type Script struct {
	ID   string     `json:"id"`
	Meta ScriptMeta `json:"meta"`
	Code string     `json:"code"` // Lua source without the metadata header
	Path string     `json:"-"`
}
