package fingerprint

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageStubs = `
function Navigator() {}
Object.defineProperties(Navigator.prototype, {
  hardwareConcurrency: { get: function () { return 2; }, configurable: true },
  languages: { get: function () { return ['xx-XX']; }, configurable: true },
  language: { get: function () { return 'xx-XX'; }, configurable: true },
  userAgent: { get: function () { return 'Mozilla/5.0 HeadlessChrome/124.0.0.0'; }, configurable: true },
  platform: { get: function () { return 'Linux x86_64'; }, configurable: true },
});
globalThis.navigator = Object.create(Navigator.prototype);
function WebGLRenderingContext() {}
WebGLRenderingContext.prototype.getParameter = function (p) { return 'gl1:' + p; };
function WebGL2RenderingContext() {}
WebGL2RenderingContext.prototype.getParameter = function (p) { return 'gl2:' + p; };
`

const workerStubs = `
function WorkerNavigator() {}
Object.defineProperties(WorkerNavigator.prototype, {
  hardwareConcurrency: { get: function () { return 2; }, configurable: true },
  languages: { get: function () { return ['xx-XX']; }, configurable: true },
  language: { get: function () { return 'xx-XX'; }, configurable: true },
});
globalThis.navigator = Object.create(WorkerNavigator.prototype);
`

func runScript(t *testing.T, stubs string, id Identity) *goja.Runtime {
	t.Helper()
	src, err := id.Script()
	require.NoError(t, err)
	require.NotEmpty(t, src)

	vm := goja.New()
	_, err = vm.RunString(stubs)
	require.NoError(t, err)
	_, err = vm.RunString(src)
	require.NoError(t, err, src)
	return vm
}

func eval(t *testing.T, vm *goja.Runtime, expr string) goja.Value {
	t.Helper()
	v, err := vm.RunString(expr)
	require.NoError(t, err, expr)
	return v
}

func TestScriptOverridesNavigator(t *testing.T) {
	id := New(124, DefaultConfig())
	vm := runScript(t, pageStubs, id)

	assert.EqualValues(t, 8, eval(t, vm, "navigator.hardwareConcurrency").ToInteger())
	assert.Equal(t, "en-US,en", eval(t, vm, "navigator.languages.join(',')").String())
	assert.Equal(t, "en-US", eval(t, vm, "navigator.language").String())
	assert.True(t, eval(t, vm, "Object.isFrozen(navigator.languages)").ToBoolean())
	assert.Equal(t, id.UserAgent, eval(t, vm, "navigator.userAgent").String())
	assert.Equal(t, "Win32", eval(t, vm, "navigator.platform").String())
}

func TestScriptUserAgentData(t *testing.T) {
	vm := runScript(t, pageStubs, New(124, DefaultConfig()))

	assert.Equal(t, "Chromium,Google Chrome,Not-A.Brand",
		eval(t, vm, "navigator.userAgentData.brands.map(function (b) { return b.brand; }).join(',')").String())
	assert.Equal(t, "Windows", eval(t, vm, "navigator.userAgentData.platform").String())
	assert.False(t, eval(t, vm, "navigator.userAgentData.mobile").ToBoolean())

	// Promise jobs run when the script finishes.
	eval(t, vm, `var hev; navigator.userAgentData.getHighEntropyValues(['platformVersion', 'fullVersionList', 'bogus']).then(function (v) { hev = v; });`)
	assert.Equal(t, "15.0.0", eval(t, vm, "hev.platformVersion").String())
	assert.Equal(t, "124.0.0.0", eval(t, vm, "hev.fullVersionList[0].version").String())
	assert.True(t, goja.IsUndefined(eval(t, vm, "hev.bogus")))
}

func TestScriptWebGL(t *testing.T) {
	id := New(124, DefaultConfig())
	vm := runScript(t, pageStubs, id)

	for _, ctor := range []string{"WebGLRenderingContext", "WebGL2RenderingContext"} {
		assert.Equal(t, id.WebGLVendor, eval(t, vm, "new "+ctor+"().getParameter(37445)").String())
		assert.Equal(t, id.WebGLRenderer, eval(t, vm, "new "+ctor+"().getParameter(37446)").String())
	}
	assert.Equal(t, "gl1:3379", eval(t, vm, "new WebGLRenderingContext().getParameter(3379)").String())
	assert.Equal(t, "gl2:7936", eval(t, vm, "new WebGL2RenderingContext().getParameter(7936)").String())
}

func TestScriptCloaksPatchedFunctions(t *testing.T) {
	vm := runScript(t, pageStubs, New(124, DefaultConfig()))

	assert.Equal(t, "function get hardwareConcurrency() { [native code] }",
		eval(t, vm, "Function.prototype.toString.call(Object.getOwnPropertyDescriptor(Navigator.prototype, 'hardwareConcurrency').get)").String())
	assert.Equal(t, "function getParameter() { [native code] }",
		eval(t, vm, "WebGLRenderingContext.prototype.getParameter.toString()").String())
	assert.Equal(t, "function toString() { [native code] }",
		eval(t, vm, "Function.prototype.toString.toString()").String())
	assert.Contains(t, eval(t, vm, "(function plain() { return 1; }).toString()").String(), "return 1")
}

func TestScriptRunsOncePerRealm(t *testing.T) {
	id := New(124, DefaultConfig())
	src, err := id.Script()
	require.NoError(t, err)

	vm := runScript(t, pageStubs, id)
	eval(t, vm, "var before = WebGLRenderingContext.prototype.getParameter;")
	eval(t, vm, src)
	assert.True(t, eval(t, vm, "before === WebGLRenderingContext.prototype.getParameter").ToBoolean())
}

func TestScriptLeavesNoGlobals(t *testing.T) {
	vm := goja.New()
	_, err := vm.RunString(pageStubs)
	require.NoError(t, err)
	before := eval(t, vm, "Object.getOwnPropertyNames(globalThis).concat(Object.getOwnPropertySymbols(globalThis).map(String)).sort().join(',')").String()

	src, err := New(124, DefaultConfig()).Script()
	require.NoError(t, err)
	_, err = vm.RunString(src)
	require.NoError(t, err)

	after := eval(t, vm, "Object.getOwnPropertyNames(globalThis).concat(Object.getOwnPropertySymbols(globalThis).map(String)).sort().join(',')").String()
	assert.Equal(t, before, after)
	assert.EqualValues(t, 0, eval(t, vm, "Object.getOwnPropertyDescriptor(Navigator.prototype, 'hardwareConcurrency').get.length").ToInteger())
}

func TestScriptAppliesNewIdentityInSameRealm(t *testing.T) {
	vm := runScript(t, pageStubs, New(124, DefaultConfig()))

	cfg := DefaultConfig()
	cfg.HardwareConcurrency = 16
	src, err := New(124, cfg).Script()
	require.NoError(t, err)
	eval(t, vm, src)
	assert.EqualValues(t, 16, eval(t, vm, "navigator.hardwareConcurrency").ToInteger())
}

func TestScriptHonorsToggles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Overrides.WebGL = false
	cfg.Overrides.UserAgent = false
	vm := runScript(t, pageStubs, New(124, cfg))

	assert.Equal(t, "gl1:37445", eval(t, vm, "new WebGLRenderingContext().getParameter(37445)").String())
	assert.True(t, goja.IsUndefined(eval(t, vm, "navigator.userAgentData")))
	assert.EqualValues(t, 8, eval(t, vm, "navigator.hardwareConcurrency").ToInteger())

	none := New(124, Config{})
	src, err := none.Script()
	require.NoError(t, err)
	assert.Empty(t, src)
}

func TestScriptInWorkerRealm(t *testing.T) {
	id := New(124, DefaultConfig())
	vm := runScript(t, workerStubs, id)

	assert.EqualValues(t, 8, eval(t, vm, "navigator.hardwareConcurrency").ToInteger())
	assert.Equal(t, "en-US", eval(t, vm, "navigator.language").String())
	assert.Equal(t, "Chromium", eval(t, vm, "navigator.userAgentData.brands[0].brand").String())
	assert.True(t, eval(t, vm, "Object.getOwnPropertyDescriptor(WorkerNavigator.prototype, 'userAgent') !== undefined").ToBoolean())
}

func TestScriptEscapesForJS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WebGLRenderer = "evil </script>'\""
	id := New(124, cfg)
	vm := runScript(t, pageStubs, id)
	assert.Equal(t, cfg.WebGLRenderer, eval(t, vm, "new WebGLRenderingContext().getParameter(37446)").String())
}
