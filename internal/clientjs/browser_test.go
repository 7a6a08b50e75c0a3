package clientjs

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"
)

// browserPrelude fakes the parts of the DOM the client scripts touch.
// Timers run on a virtual clock advanced with __advance(ms).
const browserPrelude = `
var window = this;

var __clock = { now: 0 };
var __timers = [];
function setTimeout(fn, ms) {
	__timers.push({ fn: fn, at: __clock.now + (ms || 0), interval: 0, cleared: false });
	return __timers.length;
}
function setInterval(fn, ms) {
	__timers.push({ fn: fn, at: __clock.now + ms, interval: ms, cleared: false });
	return __timers.length;
}
function clearTimeout(id) { if (__timers[id - 1]) { __timers[id - 1].cleared = true; } }
function __advance(ms) {
	var end = __clock.now + ms;
	for (;;) {
		var next = -1;
		for (var i = 0; i < __timers.length; i++) {
			var t = __timers[i];
			if (!t.cleared && t.at <= end && (next === -1 || t.at < __timers[next].at)) {
				next = i;
			}
		}
		if (next === -1) {
			break;
		}
		var timer = __timers[next];
		__clock.now = timer.at;
		if (timer.interval > 0) {
			timer.at += timer.interval;
		} else {
			timer.cleared = true;
		}
		timer.fn();
	}
	__clock.now = end;
}

var __listeners = { window: {}, document: {} };
function __target(bucket) {
	return function (type, fn) {
		(bucket[type] = bucket[type] || []).push(fn);
	};
}
function __dispatch(target, type, event) {
	var list = __listeners[target][type] || [];
	event = event || { type: type };
	for (var i = 0; i < list.length; i++) {
		list[i](event);
	}
	return list.length;
}
window.addEventListener = __target(__listeners.window);

var __navigations = [];
var __failReplace = false;
var __failHref = false;
var location = {
	origin: 'https://funnel.test',
	protocol: 'https:',
	host: 'funnel.test',
	reloads: 0,
	replace: function (url) {
		if (__failReplace) {
			throw new Error('replace blocked');
		}
		__navigations.push({ via: 'replace', url: url });
	},
	reload: function () { this.reloads++; }
};
var __href = 'https://funnel.test/3';
Object.defineProperty(location, 'href', {
	get: function () { return __href; },
	set: function (url) {
		if (__failHref) {
			throw new Error('href blocked');
		}
		__href = url;
		__navigations.push({ via: 'href', url: url });
	}
});
window.open = function (url, name) {
	__navigations.push({ via: 'open', url: url, name: name });
};

var __historyBroken = false;
var history = {
	length: 1,
	states: [],
	pushState: function (state, title, url) {
		if (__historyBroken) {
			throw new Error('history unavailable');
		}
		this.states.push(state);
		this.length++;
	}
};

var __console = { log: [], warn: [] };
var console = {
	log: function () { __console.log.push(Array.prototype.slice.call(arguments).join(' ')); },
	warn: function () { __console.warn.push(Array.prototype.slice.call(arguments).join(' ')); }
};

var __dom = { charsetMeta: false, stylesheets: [] };
function __element(tag) {
	return {
		tagName: tag,
		attrs: {},
		setAttribute: function (k, v) { this.attrs[k] = v; }
	};
}
var document = {
	readyState: 'complete',
	visibilityState: 'visible',
	addEventListener: __target(__listeners.document),
	createElement: __element,
	querySelector: function (sel) {
		if (sel === 'meta[charset]' && __dom.charsetMeta) {
			return __element('meta');
		}
		return null;
	},
	querySelectorAll: function (sel) {
		return sel === 'link[rel="stylesheet"]' ? __dom.stylesheets : [];
	},
	head: {
		children: [],
		firstChild: null,
		appendChild: function (node) { this.children.push(node); },
		insertBefore: function (node, ref) { this.children.unshift(node); }
	}
};
`

type browser struct {
	t  *testing.T
	vm *goja.Runtime
}

func newBrowser(t *testing.T) *browser {
	t.Helper()
	vm := goja.New()
	_, err := vm.RunString(browserPrelude)
	require.NoError(t, err, "prelude")
	return &browser{t: t, vm: vm}
}

func (b *browser) exec(src string) goja.Value {
	b.t.Helper()
	v, err := b.vm.RunString(src)
	require.NoError(b.t, err)
	return v
}

func (b *browser) load(name string) {
	b.t.Helper()
	src, err := Script(name)
	require.NoError(b.t, err)
	b.exec(string(src))
}

func (b *browser) loadTrap(policy TrapPolicy) {
	b.t.Helper()
	src, err := RenderTrap(policy)
	require.NoError(b.t, err)
	b.exec(string(src))
}

func (b *browser) advance(ms int) {
	b.t.Helper()
	b.exec(fmt.Sprintf("__advance(%d)", ms))
}

func (b *browser) dispatch(target, eventType string) int {
	b.t.Helper()
	return int(b.exec(fmt.Sprintf("__dispatch(%q, %q)", target, eventType)).ToInteger())
}

func (b *browser) str(expr string) string {
	b.t.Helper()
	return b.exec(expr).String()
}

func (b *browser) truthy(expr string) bool {
	b.t.Helper()
	return b.exec(expr).ToBoolean()
}

func (b *browser) num(expr string) int {
	b.t.Helper()
	return int(b.exec(expr).ToInteger())
}

type navigation struct {
	Via  string `json:"via"`
	URL  string `json:"url"`
	Name string `json:"name"`
}

func (b *browser) navigations() []navigation {
	b.t.Helper()
	var navs []navigation
	raw := b.str("JSON.stringify(__navigations)")
	require.NoError(b.t, json.Unmarshal([]byte(raw), &navs))
	return navs
}
