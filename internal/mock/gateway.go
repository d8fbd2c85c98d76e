// Package mock provides in-memory test doubles for the backend gateway
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"logbid/internal/core"
	apperrors "logbid/pkg/errors"

	"github.com/google/uuid"
)

// Gateway implements core.IGateway against in-memory tables. It records
// every call in order and supports per-method failure injection so tests
// can exercise partial-failure paths deterministically.
type Gateway struct {
	mu sync.Mutex

	shipments     map[string]*core.Shipment // keyed by uuid
	offers        map[string]*core.Offer    // keyed by uuid
	notifications []core.Notification
	profiles      map[string]*core.Profile

	nextShipmentID int64
	nextOfferID    int64

	calls    []string
	failures map[string]*failure // method name to injected error
	rpcs     map[string]func() (any, error)
}

type failure struct {
	err       error
	remaining int // negative means every call
}

// NewGateway creates an empty mock gateway
func NewGateway() *Gateway {
	return &Gateway{
		shipments: make(map[string]*core.Shipment),
		offers:    make(map[string]*core.Offer),
		profiles:  make(map[string]*core.Profile),
		failures:  make(map[string]*failure),
		rpcs:      make(map[string]func() (any, error)),
	}
}

// FailWith injects an error for every subsequent call of the named method
func (g *Gateway) FailWith(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[method] = &failure{err: err, remaining: -1}
}

// FailTimes injects an error for the next n calls of the named method
func (g *Gateway) FailTimes(method string, n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[method] = &failure{err: err, remaining: n}
}

// ClearFailure removes an injected error
func (g *Gateway) ClearFailure(method string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, method)
}

// Calls returns the method names invoked so far, in order
func (g *Gateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallCount returns how many times the named method was invoked
func (g *Gateway) CallCount(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == method {
			n++
		}
	}
	return n
}

// record must be called with the mutex held
func (g *Gateway) record(method string) error {
	g.calls = append(g.calls, method)
	f, ok := g.failures[method]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

// AddShipment seeds a shipment, assigning id and uuid when absent
func (g *Gateway) AddShipment(s core.Shipment) core.Shipment {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s.ID == 0 {
		g.nextShipmentID++
		s.ID = g.nextShipmentID
	}
	if s.UUID == "" {
		s.UUID = uuid.NewString()
	}
	g.shipments[s.UUID] = &s
	return s
}

// AddOffer seeds an offer, assigning id and uuid when absent
func (g *Gateway) AddOffer(o core.Offer) core.Offer {
	g.mu.Lock()
	defer g.mu.Unlock()

	if o.ID == 0 {
		g.nextOfferID++
		o.ID = g.nextOfferID
	}
	if o.UUID == "" {
		o.UUID = uuid.NewString()
	}
	g.offers[o.UUID] = &o
	return o
}

// AddProfile seeds a profile
func (g *Gateway) AddProfile(p core.Profile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profiles[p.ID] = &p
}

// SetRPC registers the result of a named remote procedure
func (g *Gateway) SetRPC(procedure string, result func() (any, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rpcs[procedure] = result
}

// Notifications returns a copy of every inserted notification
func (g *Gateway) Notifications() []core.Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.Notification, len(g.notifications))
	copy(out, g.notifications)
	return out
}

// Offer returns the stored offer by uuid, or nil
func (g *Gateway) Offer(offerUUID string) *core.Offer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.offers[offerUUID]; ok {
		cp := *o
		return &cp
	}
	return nil
}

// Shipment returns the stored shipment by uuid, or nil
func (g *Gateway) Shipment(shipmentUUID string) *core.Shipment {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.shipments[shipmentUUID]; ok {
		cp := *s
		return &cp
	}
	return nil
}

func (g *Gateway) QueryShipment(ctx context.Context, shipmentUUID string) (*core.Shipment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record("QueryShipment"); err != nil {
		return nil, err
	}
	s, ok := g.shipments[shipmentUUID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (g *Gateway) QueryShipments(ctx context.Context, filters core.Filters) ([]core.Shipment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record("QueryShipments"); err != nil {
		return nil, err
	}

	var out []core.Shipment
	for _, s := range g.shipments {
		if matchShipment(s, filters) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (g *Gateway) QueryOffers(ctx context.Context, filters core.Filters) ([]core.Offer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record("QueryOffers"); err != nil {
		return nil, err
	}

	var out []core.Offer
	for _, o := range g.offers {
		if matchOffer(o, filters) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (g *Gateway) QueryNotifications(ctx context.Context, userID string, onlyUnread bool) ([]core.Notification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record("QueryNotifications"); err != nil {
		return nil, err
	}

	var out []core.Notification
	for _, n := range g.notifications {
		if n.UserID != userID {
			continue
		}
		if onlyUnread && n.IsRead {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (g *Gateway) QueryProfile(ctx context.Context, userID string) (*core.Profile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record("QueryProfile"); err != nil {
		return nil, err
	}
	p, ok := g.profiles[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (g *Gateway) UpdateShipment(ctx context.Context, shipmentUUID string, patch core.Filters) (*core.Shipment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record("UpdateShipment"); err != nil {
		return nil, err
	}
	s, ok := g.shipments[shipmentUUID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	applyShipmentPatch(s, patch)
	cp := *s
	return &cp, nil
}

func (g *Gateway) UpdateOffer(ctx context.Context, offerUUID string, patch core.Filters) (*core.Offer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record("UpdateOffer"); err != nil {
		return nil, err
	}
	o, ok := g.offers[offerUUID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	applyOfferPatch(o, patch)
	cp := *o
	return &cp, nil
}

func (g *Gateway) UpdateOffersWhere(ctx context.Context, filters core.Filters, patch core.Filters) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record("UpdateOffersWhere"); err != nil {
		return 0, err
	}

	n := 0
	for _, o := range g.offers {
		if matchOffer(o, filters) {
			applyOfferPatch(o, patch)
			n++
		}
	}
	return n, nil
}

func (g *Gateway) InsertOffer(ctx context.Context, offer core.Offer) (*core.Offer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record("InsertOffer"); err != nil {
		return nil, err
	}

	g.nextOfferID++
	offer.ID = g.nextOfferID
	if offer.UUID == "" {
		offer.UUID = uuid.NewString()
	}
	g.offers[offer.UUID] = &offer
	cp := offer
	return &cp, nil
}

func (g *Gateway) InsertNotification(ctx context.Context, n core.Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record("InsertNotification"); err != nil {
		return err
	}
	g.notifications = append(g.notifications, n)
	return nil
}

func (g *Gateway) UpdateNotifications(ctx context.Context, filters core.Filters, patch core.Filters) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.record("UpdateNotifications"); err != nil {
		return 0, err
	}

	n := 0
	for i := range g.notifications {
		if !matchNotification(&g.notifications[i], filters) {
			continue
		}
		if read, ok := patch["is_read"].(bool); ok {
			g.notifications[i].IsRead = read
		}
		n++
	}
	return n, nil
}

func (g *Gateway) Call(ctx context.Context, procedure string, args map[string]any, out any) error {
	g.mu.Lock()
	fn, ok := g.rpcs[procedure]
	err := g.record("Call " + procedure)
	g.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: procedure %s not registered", apperrors.ErrNotFound, procedure)
	}

	result, err := fn()
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return assign(out, result)
}

func (g *Gateway) CheckHealth(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.record("CheckHealth")
}

func matchShipment(s *core.Shipment, filters core.Filters) bool {
	for k, v := range filters {
		switch k {
		case "uuid":
			if !matchValue(s.UUID, v) {
				return false
			}
		case "market_id":
			if !matchValue(s.MarketID, v) {
				return false
			}
		case "status":
			if !matchValue(string(s.Status), v) {
				return false
			}
		case "user_id":
			if !matchValue(s.UserID, v) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func matchOffer(o *core.Offer, filters core.Filters) bool {
	for k, v := range filters {
		switch k {
		case "uuid":
			if !matchValue(o.UUID, v) {
				return false
			}
		case "shipment_id":
			if !matchValue(o.ShipmentID, v) {
				return false
			}
		case "agent_id":
			if !matchValue(o.AgentID, v) {
				return false
			}
		case "status":
			if !matchValue(string(o.Status), v) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func matchNotification(n *core.Notification, filters core.Filters) bool {
	for k, v := range filters {
		switch k {
		case "id":
			if !matchValue(n.ID, v) {
				return false
			}
		case "user_id":
			if !matchValue(n.UserID, v) {
				return false
			}
		case "is_read":
			if !matchValue(n.IsRead, v) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// matchValue compares with equality, or inequality for Neq-wrapped values
func matchValue(field any, want any) bool {
	if neq, ok := want.(core.Neq); ok {
		return fmt.Sprintf("%v", field) != fmt.Sprintf("%v", neq.Value)
	}
	return fmt.Sprintf("%v", field) == fmt.Sprintf("%v", want)
}

func applyShipmentPatch(s *core.Shipment, patch core.Filters) {
	for k, v := range patch {
		switch k {
		case "status":
			s.Status = core.ShipmentStatus(fmt.Sprintf("%v", v))
		case "agent_code":
			s.AgentCode = fmt.Sprintf("%v", v)
		case "expiration_date":
			// stored as the raw string representation in tests
		}
	}
}

func applyOfferPatch(o *core.Offer, patch core.Filters) {
	if v, ok := patch["status"]; ok {
		o.Status = core.OfferStatus(fmt.Sprintf("%v", v))
	}
}

// assign copies a registered RPC result into the caller's out pointer
// through a JSON round trip, mirroring how the real gateway decodes.
func assign(out any, result any) error {
	if dst, ok := out.(*any); ok {
		*dst = result
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("rpc result %T does not marshal: %w", result, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("rpc result %T does not fit %T: %w", result, out, err)
	}
	return nil
}
