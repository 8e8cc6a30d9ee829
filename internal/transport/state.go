// Package transport holds the link lifecycle shared by the BLE and Classic
// clients: the per-link state machine, retry and heartbeat policy, the write
// serializer and the supervisor that drives connection attempts.
package transport

import (
	"fmt"
	"sync"
)

// Kind names one of the two links to the accessory.
type Kind int

const (
	KindBLE Kind = iota
	KindClassic
)

func (k Kind) String() string {
	switch k {
	case KindBLE:
		return "ble"
	case KindClassic:
		return "classic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is a link lifecycle state.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateAwaitingBond // classic only
	StateConnecting
	StateNegotiatingMtu      // ble only
	StateDiscoveringServices // ble only
	StateReady
	StateDisconnected
	StateReconnecting
	StateGivenUp
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateDiscovering:         "discovering",
	StateAwaitingBond:        "awaiting-bond",
	StateConnecting:          "connecting",
	StateNegotiatingMtu:      "negotiating-mtu",
	StateDiscoveringServices: "discovering-services",
	StateReady:               "ready",
	StateDisconnected:        "disconnected",
	StateReconnecting:        "reconnecting",
	StateGivenUp:             "given-up",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// handshake reports whether s is part of an in-progress connection attempt.
func (s State) handshake() bool {
	switch s {
	case StateDiscovering, StateAwaitingBond, StateConnecting, StateNegotiatingMtu, StateDiscoveringServices:
		return true
	}
	return false
}

// Trigger is an input to the state machine.
type Trigger int

const (
	TriggerScan Trigger = iota
	TriggerConnect
	TriggerDeviceFound
	TriggerScanStopped
	TriggerNotBonded
	TriggerBonded
	TriggerSocketOpen
	TriggerOSConnected
	TriggerMtuResult
	TriggerServicesFound
	TriggerDescriptorsDone
	TriggerLinkLost
	TriggerFail
	TriggerScheduleRetry
	TriggerRetry
	TriggerGiveUp
	TriggerClose
)

var triggerNames = [...]string{
	TriggerScan:            "scan",
	TriggerConnect:         "connect",
	TriggerDeviceFound:     "device-found",
	TriggerScanStopped:     "scan-stopped",
	TriggerNotBonded:       "not-bonded",
	TriggerBonded:          "bonded",
	TriggerSocketOpen:      "socket-open",
	TriggerOSConnected:     "os-connected",
	TriggerMtuResult:       "mtu-result",
	TriggerServicesFound:   "services-found",
	TriggerDescriptorsDone: "descriptors-done",
	TriggerLinkLost:        "link-lost",
	TriggerFail:            "fail",
	TriggerScheduleRetry:   "schedule-retry",
	TriggerRetry:           "retry",
	TriggerGiveUp:          "give-up",
	TriggerClose:           "close",
}

func (t Trigger) String() string {
	if t >= 0 && int(t) < len(triggerNames) {
		return triggerNames[t]
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

type edge struct {
	from State
	on   Trigger
}

var commonEdges = map[edge]State{
	{StateIdle, TriggerScan}:                  StateDiscovering,
	{StateIdle, TriggerConnect}:               StateDiscovering,
	{StateDiscovering, TriggerDeviceFound}:    StateConnecting,
	{StateDiscovering, TriggerScanStopped}:    StateIdle,
	{StateDiscovering, TriggerFail}:           StateDisconnected,
	{StateConnecting, TriggerFail}:            StateDisconnected,
	{StateReady, TriggerLinkLost}:             StateDisconnected,
	{StateDisconnected, TriggerScheduleRetry}: StateReconnecting,
	{StateDisconnected, TriggerGiveUp}:        StateGivenUp,
	{StateDisconnected, TriggerConnect}:       StateDiscovering,
	{StateReconnecting, TriggerRetry}:         StateConnecting,
	{StateGivenUp, TriggerConnect}:            StateDiscovering,
}

var kindEdges = map[Kind]map[edge]State{
	KindClassic: {
		{StateConnecting, TriggerNotBonded}:  StateAwaitingBond,
		{StateAwaitingBond, TriggerBonded}:   StateConnecting,
		{StateAwaitingBond, TriggerFail}:     StateDisconnected,
		{StateConnecting, TriggerSocketOpen}: StateReady,
	},
	KindBLE: {
		{StateConnecting, TriggerOSConnected}:              StateNegotiatingMtu,
		{StateNegotiatingMtu, TriggerMtuResult}:            StateDiscoveringServices,
		{StateNegotiatingMtu, TriggerFail}:                 StateDisconnected,
		{StateDiscoveringServices, TriggerServicesFound}:   StateDiscoveringServices,
		{StateDiscoveringServices, TriggerDescriptorsDone}: StateReady,
		{StateDiscoveringServices, TriggerFail}:            StateDisconnected,
	},
}

// Transition records one accepted trigger.
type Transition struct {
	From    State
	To      State
	Trigger Trigger
}

// Changed reports whether the transition moved the machine.
func (t Transition) Changed() bool { return t.From != t.To }

// Machine is the lifecycle table of one link. Fire is the only way to change
// its state. Safe for concurrent use.
type Machine struct {
	kind Kind

	mu    sync.Mutex
	state State
}

// NewMachine returns a machine in StateIdle.
func NewMachine(kind Kind) *Machine {
	return &Machine{kind: kind}
}

// Kind returns the link the machine belongs to.
func (m *Machine) Kind() Kind { return m.kind }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Permits reports whether t is legal in the current state.
func (m *Machine) Permits(t Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.next(t)
	return ok
}

// Fire applies t. Close is accepted from every state; any other trigger not
// in the table returns ErrIllegalTransition and leaves the state unchanged.
func (m *Machine) Fire(t Trigger) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	to, ok := m.next(t)
	if !ok {
		return Transition{From: m.state, To: m.state, Trigger: t},
			fmt.Errorf("%w: %s link cannot %s from %s", ErrIllegalTransition, m.kind, t, m.state)
	}
	tr := Transition{From: m.state, To: to, Trigger: t}
	m.state = to
	return tr, nil
}

func (m *Machine) next(t Trigger) (State, bool) {
	if t == TriggerClose {
		return StateIdle, true
	}
	e := edge{m.state, t}
	if to, ok := kindEdges[m.kind][e]; ok {
		return to, true
	}
	to, ok := commonEdges[e]
	return to, ok
}
