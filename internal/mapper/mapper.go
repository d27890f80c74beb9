// Package mapper translates chat requests, responses, and SSE stream
// events between provider dialects, and resolves the concrete target
// model for a provider through per-router and default mapping tables.
package mapper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maypok86/otter/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/model"
)

const resolveCacheLen = 4096 // distinct (router, model, provider) triples

// Tables holds the static routing data consulted when resolving a target
// model: the model set each provider serves, the per-router mapping
// tables, and the deployment-wide default table.
type Tables struct {
	ProviderModels map[model.InferenceProvider][]string
	RouterMappings map[model.RouterID]map[string][]string
	DefaultMapping map[string][]string
}

// Mapper converts requests and responses between provider dialects and
// picks a concrete target model per provider. It is immutable after New
// and safe for concurrent use.
type Mapper struct {
	tables Tables
	exact  map[model.InferenceProvider]map[string]struct{}
	byName map[model.InferenceProvider]map[string]string
	cache  *otter.Cache[string, string]
}

// New builds a Mapper, pre-indexing each provider's model set by exact
// string and by bare name.
func New(t Tables) (*Mapper, error) {
	c, err := otter.New(&otter.Options[string, string]{MaximumSize: resolveCacheLen})
	if err != nil {
		return nil, fmt.Errorf("create resolve cache: %w", err)
	}
	m := &Mapper{
		tables: t,
		exact:  make(map[model.InferenceProvider]map[string]struct{}, len(t.ProviderModels)),
		byName: make(map[model.InferenceProvider]map[string]string, len(t.ProviderModels)),
		cache:  c,
	}
	for p, models := range t.ProviderModels {
		ex := make(map[string]struct{}, len(models))
		names := make(map[string]string, len(models))
		for _, s := range models {
			ex[s] = struct{}{}
			id, err := model.ParseFor(p, s)
			if err != nil {
				return nil, fmt.Errorf("provider %s model %q: %w", p, s, err)
			}
			if _, ok := names[id.Name]; !ok {
				names[id.Name] = s
			}
		}
		m.exact[p] = ex
		m.byName[p] = names
	}
	return m, nil
}

// Resolve maps a source model id to a concrete model string for the
// target provider, consulting in order: the target's own model set, the
// router's mapping table, the default table. Resolutions are cached.
func (m *Mapper) Resolve(src model.ID, target model.InferenceProvider, router model.RouterID) (string, error) {
	key := string(router) + "|" + src.Qualified() + "|" + string(target)
	if v, ok := m.cache.GetIfPresent(key); ok {
		return v, nil
	}
	v, err := m.resolve(src, target, router)
	if err != nil {
		return "", err
	}
	m.cache.Set(key, v)
	return v, nil
}

func (m *Mapper) resolve(src model.ID, target model.InferenceProvider, router model.RouterID) (string, error) {
	if s, ok := m.inSet(target, src); ok {
		return m.finalize(target, s), nil
	}
	for _, table := range []map[string][]string{m.tables.RouterMappings[router], m.tables.DefaultMapping} {
		for _, cand := range lookupTable(table, src) {
			if m.accepts(target, cand) {
				return m.finalize(target, cand), nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s for %s", gateway.ErrNoValidMapping, src.Qualified(), target)
}

// inSet matches the source id against the target's configured model set:
// by exact string, or by bare name when the source carries no version.
// The name match resolves a versionless alias to the configured entry.
func (m *Mapper) inSet(target model.InferenceProvider, src model.ID) (string, bool) {
	s := src.String()
	if _, ok := m.exact[target][s]; ok {
		return s, true
	}
	if src.IsVersionless() {
		if entry, ok := m.byName[target][src.Name]; ok {
			return entry, true
		}
	}
	return "", false
}

// accepts reports whether a mapping-table candidate can be sent to the
// target: it must parse in the target's convention, and when the target
// declares a model set it must appear there by string or by name.
func (m *Mapper) accepts(target model.InferenceProvider, cand string) bool {
	if _, ok := m.exact[target][cand]; ok {
		return true
	}
	id, err := model.ParseFor(target, cand)
	if err != nil {
		return false
	}
	if len(m.exact[target]) == 0 {
		return true
	}
	_, ok := m.byName[target][id.Name]
	return ok
}

func lookupTable(table map[string][]string, src model.ID) []string {
	if table == nil {
		return nil
	}
	for _, k := range []string{src.Qualified(), src.String(), src.Name} {
		if v, ok := table[k]; ok {
			return v
		}
	}
	return nil
}

// finalize renders the chosen model string for the wire, applying the
// Anthropic alias suffix rule.
func (m *Mapper) finalize(target model.InferenceProvider, s string) string {
	if target != model.ProviderAnthropic {
		return s
	}
	id, err := model.ParseFor(target, s)
	if err != nil {
		return s
	}
	return anthropicModelName(id.String(), id.IsVersionless())
}

// RequestPlan is the outcome of mapping one inbound body for a concrete
// upstream: the rewritten body, the provider-relative path, the resolved
// models, and the stream intent.
type RequestPlan struct {
	Body        []byte
	Path        string
	SourceModel model.ID
	TargetModel string
	Stream      bool
}

// MapRequest rewrites an inbound request body from the client's dialect
// to the target provider's and resolves the model through the router's
// tables. mc carries pre-sniffed stream and model hints; both are
// recovered from the body when absent. Cross-dialect translation is
// limited to chat, and to pairs with OpenAI on one side.
func (m *Mapper) MapRequest(body []byte, source, target model.InferenceProvider, router model.RouterID, et model.EndpointType, mc *gateway.MapperContext) (*RequestPlan, error) {
	src, dst := dialectOf(source), dialectOf(target)
	if src != dst {
		if src != dialectOpenAI && dst != dialectOpenAI {
			return nil, fmt.Errorf("%w: no request translation from %s to %s", model.ErrProviderNotSupported, source, target)
		}
		if et != model.EndpointChat {
			return nil, fmt.Errorf("%w: %s translation for %s", model.ErrUnsupportedEndpoint, et, target)
		}
	}

	var stream bool
	var srcModel model.ID
	if mc != nil {
		stream = mc.Stream
		if mc.Model != nil {
			srcModel = *mc.Model
		}
	} else {
		stream = gjson.GetBytes(body, "stream").Bool()
	}
	if srcModel.Name == "" {
		s := gjson.GetBytes(body, "model").String()
		if s == "" {
			return nil, fmt.Errorf("%w: missing model", gateway.ErrMalformedBody)
		}
		id, err := parseInbound(source, s)
		if err != nil {
			return nil, err
		}
		srcModel = id
	}

	targetModel, err := m.Resolve(srcModel, target, router)
	if err != nil {
		return nil, err
	}

	out, err := rewriteBody(body, src, dst, target, targetModel, stream)
	if err != nil {
		return nil, err
	}

	path, err := model.ApiEndpoint{Provider: target, Type: et}.Path(targetModel, stream)
	if err != nil {
		return nil, err
	}
	return &RequestPlan{Body: out, Path: path, SourceModel: srcModel, TargetModel: targetModel, Stream: stream}, nil
}

func rewriteBody(body []byte, src, dst dialect, target model.InferenceProvider, targetModel string, stream bool) ([]byte, error) {
	if src == dst {
		return sameDialectBody(body, dst, target, targetModel)
	}
	switch {
	case src == dialectOpenAI && dst == dialectAnthropic:
		var req openaiRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedBody, err)
		}
		var out *anthropicRequest
		var err error
		if target == model.ProviderBedrock {
			out, err = openaiToBedrockRequest(&req)
		} else {
			out, err = openaiToAnthropicRequest(&req, targetModel)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)

	case src == dialectOpenAI && dst == dialectGemini:
		var req openaiRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedBody, err)
		}
		out, err := openaiToGeminiRequest(&req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)

	case src == dialectAnthropic && dst == dialectOpenAI:
		out, err := anthropicToOpenAIRequest(body, targetModel)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)

	case src == dialectGemini && dst == dialectOpenAI:
		out, err := geminiToOpenAIRequest(body, targetModel, stream)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
	return nil, fmt.Errorf("%w: %s", model.ErrProviderNotSupported, target)
}

// sameDialectBody rewrites only the model reference for a same-dialect
// hop. Gemini carries the model in the URL; Bedrock moves it to the URL
// and pins the embedded anthropic_version.
func sameDialectBody(body []byte, d dialect, target model.InferenceProvider, targetModel string) ([]byte, error) {
	if d == dialectGemini {
		return body, nil
	}
	if target == model.ProviderBedrock {
		out, err := sjson.DeleteBytes(body, "model")
		if err == nil {
			out, err = sjson.DeleteBytes(out, "stream")
		}
		if err == nil {
			out, err = sjson.SetBytes(out, "anthropic_version", bedrockAnthropicVersion)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedBody, err)
		}
		return out, nil
	}
	out, err := sjson.SetBytes(body, "model", targetModel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedBody, err)
	}
	return out, nil
}

// MapResponse rewrites a unary upstream response body into the client's
// dialect. requestModel stands in for dialects whose responses carry no
// model name.
func (m *Mapper) MapResponse(body []byte, source, target model.InferenceProvider, requestModel string) ([]byte, error) {
	src, dst := dialectOf(source), dialectOf(target)
	switch {
	case src == dst:
		return body, nil
	case src == dialectOpenAI && dst == dialectAnthropic:
		return anthropicToOpenAIResponse(body)
	case src == dialectOpenAI && dst == dialectGemini:
		return geminiToOpenAIResponse(body, requestModel)
	case src == dialectAnthropic && dst == dialectOpenAI:
		return openaiToAnthropicResponse(body)
	case src == dialectGemini && dst == dialectOpenAI:
		return openaiToGeminiResponse(body)
	}
	return nil, fmt.Errorf("%w: no %s response translation for %s clients", model.ErrProviderNotSupported, target, source)
}

// SniffContext recovers the stream flag and the model id from an inbound
// request before any dialect rewrite. Gemini-style routes carry both in
// the URL; the other dialects carry them in the body.
func SniffContext(style model.InferenceProvider, pathAndQuery string, body []byte) *gateway.MapperContext {
	mc := &gateway.MapperContext{}
	if dialectOf(style) == dialectGemini {
		mc.Stream = strings.Contains(pathAndQuery, ":streamGenerateContent")
		if name := geminiPathModel(pathAndQuery); name != "" {
			if id, err := model.ParseFor(model.ProviderGemini, name); err == nil {
				mc.Model = &id
			}
		}
		return mc
	}
	mc.Stream = gjson.GetBytes(body, "stream").Bool()
	if s := gjson.GetBytes(body, "model").String(); s != "" {
		if id, err := parseInbound(style, s); err == nil {
			mc.Model = &id
		}
	}
	return mc
}

// geminiPathModel pulls the model segment out of
// /v1beta/models/{model}:generateContent paths.
func geminiPathModel(pathAndQuery string) string {
	path := pathAndQuery
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	i := strings.Index(path, "/models/")
	if i < 0 {
		return ""
	}
	rest := path[i+len("/models/"):]
	if j := strings.IndexByte(rest, ':'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// parseInbound reads a model reference as a client wrote it: provider
// qualified when it carries a known prefix, bare in the router's dialect
// otherwise.
func parseInbound(style model.InferenceProvider, s string) (model.ID, error) {
	if prov, _, ok := strings.Cut(s, "/"); ok {
		if _, err := model.ParseProvider(prov); err == nil {
			return model.Parse(s)
		}
	}
	return model.ParseFor(style, s)
}
