package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mcpgate/internal/backend"
	"mcpgate/internal/jsonrpc"
	"mcpgate/pkg/logging"
)

// Gateway dispatches client JSON-RPC requests: protocol-level methods are
// answered locally from the snapshot, entry-addressed methods are routed to
// the owning backend with results and errors forwarded verbatim.
type Gateway struct {
	registry *Registry

	name        string
	version     string
	callTimeout time.Duration
}

// NewGateway builds the dispatcher. callTimeout bounds every routed call in
// addition to the owning backend's own request timeout.
func NewGateway(registry *Registry, name, version string, callTimeout time.Duration) *Gateway {
	return &Gateway{
		registry:    registry,
		name:        name,
		version:     version,
		callTimeout: callTimeout,
	}
}

// Dispatch handles one client request. Notifications return nil: they are
// processed (or ignored) without a response.
func (g *Gateway) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() {
		logging.Debug("Gateway", "Client notification %s", req.Method)
		return nil
	}

	switch req.Method {
	case "initialize":
		return g.initialize(req.ID)
	case "ping":
		return jsonrpc.NewResponse(req.ID, json.RawMessage(`{}`))
	case "tools/list":
		return g.list(req.ID, "tools", g.registry.Snapshot().Tools)
	case "resources/list":
		return g.list(req.ID, "resources", g.registry.Snapshot().Resources)
	case "prompts/list":
		return g.list(req.ID, "prompts", g.registry.Snapshot().Prompts)
	case "resources/templates/list":
		// Templates are not captured at connect; the aggregate is empty.
		return jsonrpc.NewResponse(req.ID, json.RawMessage(`{"resourceTemplates":[]}`))
	case "tools/call":
		return g.routeByName(ctx, req, "tool", g.registry.Snapshot().ToolOwner)
	case "prompts/get":
		return g.routeByName(ctx, req, "prompt", g.registry.Snapshot().PromptOwner)
	case "resources/read", "resources/subscribe":
		return g.routeByURI(ctx, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method))
	}
}

func (g *Gateway) initialize(id json.RawMessage) *jsonrpc.Response {
	// The list surfaces are always served from the snapshot; the feature
	// flags inside them are the union of what the ready backends advertised.
	caps := map[string]map[string]bool{
		"tools":     {},
		"resources": {},
		"prompts":   {},
	}
	for section, flags := range g.registry.Snapshot().Capabilities {
		merged, ok := caps[section]
		if !ok {
			merged = make(map[string]bool)
			caps[section] = merged
		}
		for flag, set := range flags {
			if set {
				merged[flag] = true
			}
		}
	}

	result, err := jsonrpc.MarshalResult(map[string]interface{}{
		"protocolVersion": backend.ProtocolVersion,
		"capabilities":    caps,
		"serverInfo": map[string]string{
			"name":    g.name,
			"version": g.version,
		},
	})
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "failed to encode initialize result")
	}
	return jsonrpc.NewResponse(id, result)
}

func (g *Gateway) list(id json.RawMessage, key string, entries []AggregatedEntry) *jsonrpc.Response {
	result, err := jsonrpc.MarshalResult(map[string]interface{}{key: rawEntries(entries)})
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "failed to encode list result")
	}
	return jsonrpc.NewResponse(id, result)
}

// routeByName routes tools/call and prompts/get by the "name" param.
func (g *Gateway) routeByName(ctx context.Context, req *jsonrpc.Request, kind string, owner func(string) (string, bool)) *jsonrpc.Response {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams,
			fmt.Sprintf("%s requires a string \"name\" parameter", req.Method))
	}

	// An entry nobody declared is an unroutable method, not a bad param.
	backendID, ok := owner(params.Name)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("unknown %s %q", kind, params.Name))
	}
	return g.forward(ctx, req, backendID)
}

// routeByURI routes resources/read and resources/subscribe by the "uri" param.
func (g *Gateway) routeByURI(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams,
			fmt.Sprintf("%s requires a string \"uri\" parameter", req.Method))
	}

	backendID, ok := g.registry.Snapshot().ResourceOwner(params.URI)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("unknown resource %q", params.URI))
	}
	return g.forward(ctx, req, backendID)
}

// forward sends the request to the owning backend under the gateway's call
// timeout and maps the outcome onto the wire.
func (g *Gateway) forward(ctx context.Context, req *jsonrpc.Request, backendID string) *jsonrpc.Response {
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	result, err := g.registry.Call(ctx, backendID, req.Method, req.Params)
	if err != nil {
		return g.mapBackendError(req, backendID, err)
	}
	return jsonrpc.NewResponse(req.ID, result)
}

// mapBackendError shapes a routed-call failure. A backend's own JSON-RPC
// error passes through verbatim; gateway failures carry the error taxonomy
// in the data field.
func (g *Gateway) mapBackendError(req *jsonrpc.Request, backendID string, err error) *jsonrpc.Response {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: rpcErr}
	}

	var kind string
	switch {
	case errors.Is(err, backend.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = jsonrpc.KindTimeout
	case errors.Is(err, backend.ErrShuttingDown):
		kind = jsonrpc.KindShuttingDown
	default:
		kind = jsonrpc.KindBackendUnavailable
	}

	logging.Debug("Gateway", "Routed call %s to %s failed (%s): %v", req.Method, backendID, kind, err)
	return jsonrpc.NewGatewayError(req.ID, kind, backendID, err.Error())
}
