// ABOUTME: Connector topic handlers owned by the gateway.
// ABOUTME: Fans game events to the hub, ledger and redis, and tracks Lua functions and health.

package gateway

import (
	"slices"
	"strings"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/vox-gateway/internal/metrics"
	"github.com/2389/vox-gateway/internal/protocol"
)

// LuaFunction is a function the game announced through lua_register.
type LuaFunction struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (g *Gateway) handleGameEvent(msg protocol.Message) {
	env := protocol.EnvelopeFromGameEvent(msg, time.Now())
	metrics.GameEventsTotal.Inc()

	delivered := g.hub.Broadcast(env)
	if g.ledgerWriter != nil {
		g.ledgerWriter.RecordEvent(env)
	}
	if g.mirror != nil {
		g.mirror.Publish(env)
	}

	g.logger.Debug("game event",
		"type", env.Type,
		"delivered", delivered,
	)
}

func (g *Gateway) handleLuaRegister(msg protocol.Message) {
	name := msg.String("name")
	if name == "" {
		g.logger.Warn("ignoring lua_register without name")
		return
	}
	fn := LuaFunction{
		Name:         name,
		Description:  msg.String("description"),
		RegisteredAt: time.Now(),
	}

	g.luaMu.Lock()
	g.luaFunctions[name] = fn
	g.luaMu.Unlock()

	g.logger.Info("=== LUA FUNCTION REGISTERED ===", "name", name)
}

func (g *Gateway) handleConnected(protocol.Message) {
	metrics.NativeConnectsTotal.Inc()
	g.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
}

// handleDisconnected forgets announced Lua functions; the game re-announces
// them on the next connection.
func (g *Gateway) handleDisconnected(msg protocol.Message) {
	g.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	g.luaMu.Lock()
	cleared := len(g.luaFunctions)
	clear(g.luaFunctions)
	g.luaMu.Unlock()

	g.logger.Info("native link down",
		"reason", msg.String("reason"),
		"lua_functions_cleared", cleared,
	)
}

// LuaFunctions returns announced Lua functions sorted by name.
func (g *Gateway) LuaFunctions() []LuaFunction {
	g.luaMu.RLock()
	out := make([]LuaFunction, 0, len(g.luaFunctions))
	for _, fn := range g.luaFunctions {
		out = append(out, fn)
	}
	g.luaMu.RUnlock()

	slices.SortFunc(out, func(a, b LuaFunction) int { return strings.Compare(a.Name, b.Name) })
	return out
}
