package device

import (
	"context"
	"errors"
	"sync"

	"github.com/Alia5/usbreplay/analysis"
	"github.com/Alia5/usbreplay/capture"
	"github.com/Alia5/usbreplay/usb"
)

var (
	// ErrNoReply means nothing comparable was recorded; the host sees a stall.
	ErrNoReply = usb.ErrNoReply
	// ErrSuppressed means the transfer is left unanswered.
	ErrSuppressed = usb.ErrSuppressed
)

// USB/IP speed codes.
const (
	SpeedLow  = 1
	SpeedFull = 2
	SpeedHigh = 3
)

// HandlerFunc answers one classified control request.
type HandlerFunc func(ctx context.Context, s usb.Setup, t usb.Transfer) ([]byte, error)

// Option configures a Device.
type Option func(*Device)

// WithHandler replaces the handler for one request kind.
func WithHandler(kind usb.Kind, fn HandlerFunc) Option {
	return func(d *Device) { d.handlers[kind] = fn }
}

// WithObserver installs an observer. Later calls add to earlier ones.
func WithObserver(o Observer) Option {
	return func(d *Device) { d.observers = append(d.observers, o) }
}

// WithMatcher sets the similarity parameters used by the emulation hook.
func WithMatcher(m analysis.Matcher) Option {
	return func(d *Device) { d.matcher = m }
}

// WithReplayEndpoints answers non-control transfers from the corpus instead
// of leaving them pending.
func WithReplayEndpoints() Option {
	return func(d *Device) { d.replayEndpoints = true }
}

// WithSpeed sets the speed exported in device records.
func WithSpeed(speed uint32) Option {
	return func(d *Device) { d.speed = speed }
}

// Device replays a capture corpus. It is safe for concurrent use by several
// USB/IP connections.
type Device struct {
	profile         *Profile
	pairs           []*capture.Pair
	matcher         analysis.Matcher
	handlers        map[usb.Kind]HandlerFunc
	observers       Observers
	replayEndpoints bool
	speed           uint32

	mu                  sync.Mutex
	activeConfiguration uint8
}

// New builds a device from everything currently in corpus. Later additions
// to the corpus are not seen.
func New(corpus *capture.Corpus, opts ...Option) *Device {
	pairs := corpus.Pairs()
	d := &Device{
		profile:  NewProfile(analysis.Recover(pairs)),
		pairs:    pairs,
		handlers: make(map[usb.Kind]HandlerFunc),
		speed:    SpeedFull,
	}
	d.activeConfiguration = d.profile.Config.Value
	for _, o := range opts {
		o(d)
	}
	return d
}

// Profile returns the recovered profile.
func (d *Device) Profile() *Profile { return d.profile }

// ActiveConfiguration returns the value of the last SET_CONFIGURATION.
func (d *Device) ActiveConfiguration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeConfiguration
}

// Info implements usb.Device.
func (d *Device) Info() usb.Info {
	return usb.Info{
		Speed:              d.speed,
		Device:             d.profile.Device,
		ConfigurationValue: d.ActiveConfiguration(),
		Interfaces:         d.profile.Config.InterfaceNumbers(),
	}
}

// HandleTransfer implements usb.Device. Control replies are capped to the
// setup's wLength and other replies to the host buffer size.
func (d *Device) HandleTransfer(ctx context.Context, t usb.Transfer) ([]byte, error) {
	if t.Endpoint != 0 {
		return d.handleEndpoint(ctx, t)
	}

	s, err := usb.DecodeSetup(t.Setup[:])
	if err != nil {
		return nil, err
	}
	// Hosts poll with empty setups; answering them triggers retry storms.
	if s.IsZero() {
		return nil, ErrSuppressed
	}
	d.observers.BeforeDispatch(ctx, t, s)

	desc, err := d.dispatch(ctx, s, t)
	if err != nil {
		return nil, err
	}
	return usb.Sized{desc}.Bytes(int(s.Length)), nil
}

func (d *Device) dispatch(ctx context.Context, s usb.Setup, t usb.Transfer) (usb.Descriptor, error) {
	if fn, ok := d.handlers[s.Kind]; ok {
		b, err := fn(ctx, s, t)
		return usb.Fixed(b), err
	}

	switch s.Kind {
	case usb.DeviceGetDescriptor:
		switch s.DescriptorType() {
		case usb.DeviceDescType:
			return d.profile.deviceDescriptor(), nil
		case usb.ConfigDescType:
			return d.profile.configuration(s.DescriptorIndex()), nil
		case usb.StringDescType:
			return d.profile.stringDescriptor(s.LanguageID(), s.DescriptorIndex()), nil
		}
	case usb.HIDReport:
		if desc, ok := d.profile.report(s.InterfaceNumber(), s.DescriptorIndex()); ok {
			return desc, nil
		}
	case usb.DeviceSetConfiguration:
		d.mu.Lock()
		d.activeConfiguration = uint8(s.Value)
		d.mu.Unlock()
		return usb.Fixed(nil), nil
	case usb.DeviceGetStatus, usb.DeviceClearFeature, usb.DeviceSetFeature,
		usb.DeviceSetAddress, usb.DeviceSetDescriptor, usb.DeviceGetConfiguration:
		return usb.Fixed(nil), nil
	}

	reply, err := d.emulate(ctx, t, usb.TransferControl)
	return usb.Fixed(reply), err
}

func (d *Device) handleEndpoint(ctx context.Context, t usb.Transfer) ([]byte, error) {
	if !d.replayEndpoints {
		return nil, ErrSuppressed
	}
	reply, err := d.emulate(ctx, t, d.profile.transferType(t.Endpoint, t.Direction))
	if errors.Is(err, ErrNoReply) {
		return nil, ErrSuppressed
	}
	if err != nil {
		return nil, err
	}
	if t.Direction == usb.DirOut {
		return nil, nil
	}
	return usb.Fixed(reply).Bytes(int(t.Length)), nil
}

// emulate answers t with the recorded completion of the most similar
// recorded submission.
func (d *Device) emulate(ctx context.Context, t usb.Transfer, xfer usb.TransferType) ([]byte, error) {
	live := &capture.Transaction{
		Stage:        capture.StageSubmit,
		TransferType: xfer,
		Endpoint:     t.Endpoint,
		Direction:    t.Direction,
		Payload:      t.Payload,
	}
	if xfer == usb.TransferControl {
		live.Setup = t.Setup
	}
	matches := d.matcher.Search(live, d.pairs)
	d.observers.Recommended(ctx, t, matches)
	if len(matches) == 0 {
		return nil, ErrNoReply
	}
	resp, ok := matches[0].Pair.Response()
	if !ok {
		return nil, ErrNoReply
	}
	return resp, nil
}
