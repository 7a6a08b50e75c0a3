package clientjs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrapResolvesTarget(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		policy     string
		want       string
	}{
		{"default", "", "", "https://funnel.test/back"},
		{"policy target", "", "/leave", "https://funnel.test/leave"},
		{"page override", "/exit", "/leave", "https://funnel.test/exit"},
		{"relative without slash", "exit", "", "https://funnel.test/exit"},
		{"absolute https", "https://example.com/x", "", "https://example.com/x"},
		{"absolute http", "http://example.com/y?z=1", "", "http://example.com/y?z=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBrowser(t)
			if tt.configured != "" {
				b.exec(`window.__BACK_REDIRECT_URL = ` + quote(tt.configured))
			}
			policy := DefaultTrapPolicy()
			policy.Target = tt.policy
			b.loadTrap(policy)

			assert.Equal(t, tt.want, b.str("window.__backRedirect.resolve()"))
		})
	}
}

func TestTrapWithoutPolicyUsesDefaults(t *testing.T) {
	b := newBrowser(t)
	b.load(TrapScript)

	assert.Equal(t, "https://funnel.test/back", b.str("window.__backRedirect.resolve()"))
	assert.Equal(t, 2, b.num("history.length"))

	b.dispatch("window", "popstate")
	b.advance(99)
	assert.Empty(t, b.navigations())
	b.advance(1)
	assert.Len(t, b.navigations(), 1)
}

func TestTrapPopstateSchedulesRedirect(t *testing.T) {
	b := newBrowser(t)
	b.exec(`window.__BACK_REDIRECT_URL = "/exit"`)
	b.loadTrap(DefaultTrapPolicy())

	assert.Equal(t, 1, b.dispatch("window", "popstate"))
	assert.Empty(t, b.navigations(), "redirect must wait for the delay")

	b.advance(99)
	assert.Empty(t, b.navigations())

	b.advance(1)
	navs := b.navigations()
	require.Len(t, navs, 1)
	assert.Equal(t, "replace", navs[0].Via)
	assert.Equal(t, "https://funnel.test/exit", navs[0].URL)
}

func TestTrapConfiguredDelay(t *testing.T) {
	b := newBrowser(t)
	policy := DefaultTrapPolicy()
	policy.Delay = 250
	b.loadTrap(policy)

	b.dispatch("window", "popstate")
	b.advance(249)
	assert.Empty(t, b.navigations())
	b.advance(1)
	assert.Len(t, b.navigations(), 1)
}

func TestTrapVisibilityChange(t *testing.T) {
	b := newBrowser(t)
	b.loadTrap(DefaultTrapPolicy())

	b.dispatch("document", "visibilitychange")
	b.advance(500)
	assert.Empty(t, b.navigations(), "visible page must not redirect")

	b.exec(`document.visibilityState = "hidden"`)
	b.dispatch("document", "visibilitychange")
	b.advance(100)
	navs := b.navigations()
	require.Len(t, navs, 1)
	assert.Equal(t, "https://funnel.test/back", navs[0].URL)
}

func TestTrapPagehide(t *testing.T) {
	b := newBrowser(t)
	b.loadTrap(DefaultTrapPolicy())

	b.dispatch("window", "pagehide")
	b.advance(100)
	assert.Len(t, b.navigations(), 1)
}

func TestTrapSchedulesOnce(t *testing.T) {
	b := newBrowser(t)
	b.loadTrap(DefaultTrapPolicy())

	b.dispatch("window", "popstate")
	b.dispatch("window", "pagehide")
	b.exec(`document.visibilityState = "hidden"`)
	b.dispatch("document", "visibilitychange")
	b.advance(1000)

	assert.Len(t, b.navigations(), 1)
}

func TestTrapInstalledOnce(t *testing.T) {
	b := newBrowser(t)
	b.loadTrap(DefaultTrapPolicy())
	b.loadTrap(DefaultTrapPolicy())

	assert.Equal(t, 2, b.num("history.length"), "second load must not push entries")
	assert.Equal(t, 1, b.num("__listeners.window.popstate.length"))
	assert.Equal(t, 1, b.num("__listeners.document.visibilitychange.length"))
}

func TestTrapHistoryEntries(t *testing.T) {
	b := newBrowser(t)
	policy := DefaultTrapPolicy()
	policy.Entries = 3
	b.loadTrap(policy)

	assert.Equal(t, 4, b.num("history.length"))
	assert.True(t, b.truthy("history.states.every(function (s) { return s.redirectTrap === true; })"))
}

func TestTrapHistoryUnavailable(t *testing.T) {
	b := newBrowser(t)
	b.exec(`__historyBroken = true`)
	b.loadTrap(DefaultTrapPolicy())

	assert.True(t, b.truthy("window.__backRedirect.installed"))

	b.dispatch("window", "pagehide")
	b.advance(100)
	assert.Len(t, b.navigations(), 1, "unload events still redirect without history")
}

func TestTrapNavigationFallbacks(t *testing.T) {
	t.Run("href after replace fails", func(t *testing.T) {
		b := newBrowser(t)
		b.exec(`__failReplace = true`)
		b.loadTrap(DefaultTrapPolicy())

		b.dispatch("window", "popstate")
		b.advance(100)

		navs := b.navigations()
		require.Len(t, navs, 1)
		assert.Equal(t, "href", navs[0].Via)
		assert.Equal(t, "https://funnel.test/back", navs[0].URL)
	})

	t.Run("window.open as last resort", func(t *testing.T) {
		b := newBrowser(t)
		b.exec(`__failReplace = true; __failHref = true`)
		b.loadTrap(DefaultTrapPolicy())

		b.dispatch("window", "popstate")
		b.advance(100)

		navs := b.navigations()
		require.Len(t, navs, 1)
		assert.Equal(t, "open", navs[0].Via)
		assert.Equal(t, "_self", navs[0].Name)
	})
}

func TestTrapRearm(t *testing.T) {
	b := newBrowser(t)
	policy := DefaultTrapPolicy()
	policy.Rearm = 1000
	b.loadTrap(policy)
	require.Equal(t, 2, b.num("history.length"))

	b.advance(1000)
	assert.Equal(t, 2, b.num("history.length"), "intact trap is not re-armed")

	b.exec(`history.length = 1`)
	b.advance(1000)
	assert.Equal(t, 2, b.num("history.length"))
}

func TestTrapQuietByDefault(t *testing.T) {
	b := newBrowser(t)
	b.loadTrap(DefaultTrapPolicy())
	b.dispatch("window", "popstate")
	b.advance(100)
	assert.Equal(t, 0, b.num("__console.log.length"))

	v := newBrowser(t)
	policy := DefaultTrapPolicy()
	policy.Verbose = true
	v.loadTrap(policy)
	assert.Greater(t, v.num("__console.log.length"), 0)
}

func quote(s string) string {
	return `"` + s + `"`
}
