package execctx

import (
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Own parameter structs for the commands whose optional numeric fields must
// be absent rather than zero on the wire.

type addBindingParams struct {
	Name string `json:"name"`
}

type evaluateParams struct {
	Expression    string                     `json:"expression"`
	ContextID     runtime.ExecutionContextID `json:"contextId,omitzero"`
	ReturnByValue bool                       `json:"returnByValue,omitzero"`
	AwaitPromise  bool                       `json:"awaitPromise,omitzero"`
	UserGesture   bool                       `json:"userGesture,omitzero"`
}

type evaluateResult struct {
	Result struct {
		Type        string         `json:"type"`
		Subtype     string         `json:"subtype"`
		Value       jsontext.Value `json:"value"`
		Description string         `json:"description"`
	} `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails"`
}

type exceptionDetails struct {
	Text         string `json:"text"`
	LineNumber   int64  `json:"lineNumber"`
	ColumnNumber int64  `json:"columnNumber"`
	Exception    *struct {
		Description string `json:"description"`
	} `json:"exception"`
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// Strings always marshal.
		panic(err)
	}
	return string(b)
}

// bindingListenerScript runs in the main world of every new document (and
// the current one). It takes the binding off the global object and forwards
// one DOM event of the same name to it.
func bindingListenerScript(name string) string {
	return `(() => {
  const name = ` + jsString(name) + `;
  const fn = globalThis[name];
  if (typeof fn !== "function") return;
  try { delete globalThis[name]; } catch (_) {}
  document.addEventListener(name, (e) => fn(String(e.detail)), { once: true });
})();`
}

// bindingDispatchScript runs in the isolated world. The DOM is shared, so
// the main-world listener receives the event.
func bindingDispatchScript(name, payload string) string {
	return `document.dispatchEvent(new CustomEvent(` + jsString(name) + `, { detail: ` + jsString(payload) + ` }))`
}
