// Package clientjs bundles the browser scripts served alongside the funnel
// pages: the compatibility shim, the MIME-fix helper, the navigation trap and
// the development live-reload client.
package clientjs

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/dop251/goja"
)

//go:embed assets/*.js
var assets embed.FS

// Script names, relative to the /js/ URL prefix.
const (
	TrapScript       = "back-redirect.js"
	ShimScript       = "wp-fix.js"
	MimeFixScript    = "mime-fix.js"
	LiveReloadScript = "livereload.js"
)

// URLPrefix is where the scripts are served.
const URLPrefix = "/js/"

// TrapPolicy configures the navigation trap. It is serialized into the
// served script as window.__BACK_REDIRECT_POLICY.
type TrapPolicy struct {
	Target  string `json:"target"`
	Delay   int    `json:"delay"`
	Entries int    `json:"entries"`
	Rearm   int    `json:"rearm"`
	Verbose bool   `json:"verbose"`
}

// DefaultTrapPolicy returns the policy used when nothing is configured.
func DefaultTrapPolicy() TrapPolicy {
	return TrapPolicy{
		Target:  "/back",
		Delay:   100,
		Entries: 1,
	}
}

// Script returns the raw content of an embedded script.
func Script(name string) ([]byte, error) {
	data, err := assets.ReadFile(path.Join("assets", name))
	if err != nil {
		return nil, fmt.Errorf("unknown client script %q: %w", name, err)
	}
	return data, nil
}

// Names lists the embedded scripts in lexical order.
func Names() []string {
	entries, err := fs.ReadDir(assets, "assets")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// RenderTrap returns the trap script with the policy prepended.
func RenderTrap(policy TrapPolicy) ([]byte, error) {
	src, err := Script(TrapScript)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("failed to encode trap policy: %w", err)
	}

	out := make([]byte, 0, len(src)+len(encoded)+64)
	out = append(out, "window.__BACK_REDIRECT_POLICY = "...)
	out = append(out, encoded...)
	out = append(out, ";\n"...)
	out = append(out, src...)
	return out, nil
}

// Bundle returns the scripts keyed by URL path, ready to be served.
// The live-reload client is only included when liveReload is set.
func Bundle(policy TrapPolicy, liveReload bool) (map[string][]byte, error) {
	bundle := make(map[string][]byte)
	for _, name := range Names() {
		if name == LiveReloadScript && !liveReload {
			continue
		}

		var (
			data []byte
			err  error
		)
		if name == TrapScript {
			data, err = RenderTrap(policy)
		} else {
			data, err = Script(name)
		}
		if err != nil {
			return nil, err
		}
		bundle[URLPrefix+name] = data
	}
	return bundle, nil
}

// Validate compiles every embedded script so a broken asset fails at
// startup instead of in a visitor's browser.
func Validate() error {
	for _, name := range Names() {
		src, err := Script(name)
		if err != nil {
			return err
		}
		if _, err := goja.Compile(name, string(src), false); err != nil {
			return fmt.Errorf("client script %s does not compile: %w", name, err)
		}
	}

	rendered, err := RenderTrap(DefaultTrapPolicy())
	if err != nil {
		return err
	}
	if _, err := goja.Compile(TrapScript, string(rendered), false); err != nil {
		return fmt.Errorf("rendered trap script does not compile: %w", err)
	}
	return nil
}
