package device

import (
	"context"
	"log/slog"

	"github.com/Alia5/usbreplay/analysis"
	"github.com/Alia5/usbreplay/usb"
)

// Observer is notified at the device's extension points. Implementations
// must not retain t.Payload or matches beyond the call.
type Observer interface {
	// BeforeDispatch is called for every control request that is answered.
	BeforeDispatch(ctx context.Context, t usb.Transfer, s usb.Setup)
	// Recommended is called after the corpus was searched for t.
	Recommended(ctx context.Context, t usb.Transfer, matches []analysis.Match)
}

// Observers fans out to several observers in order.
type Observers []Observer

func (o Observers) BeforeDispatch(ctx context.Context, t usb.Transfer, s usb.Setup) {
	for _, obs := range o {
		obs.BeforeDispatch(ctx, t, s)
	}
}

func (o Observers) Recommended(ctx context.Context, t usb.Transfer, matches []analysis.Match) {
	for _, obs := range o {
		obs.Recommended(ctx, t, matches)
	}
}

// LogObserver logs requests and recommendations at debug level.
type LogObserver struct {
	Logger *slog.Logger
}

func (l LogObserver) attrs(ctx context.Context, t usb.Transfer) []any {
	args := []any{"ep", t.Endpoint, "dir", t.Direction}
	if meta := GetDeviceMeta(ctx); meta != nil {
		args = append(args, "busid", meta.BusIDString())
	}
	return args
}

func (l LogObserver) BeforeDispatch(ctx context.Context, t usb.Transfer, s usb.Setup) {
	l.Logger.Debug("Control request", append(l.attrs(ctx, t), "setup", s.String())...)
}

func (l LogObserver) Recommended(ctx context.Context, t usb.Transfer, matches []analysis.Match) {
	args := append(l.attrs(ctx, t), "candidates", len(matches))
	if len(matches) > 0 {
		_, answered := matches[0].Pair.Response()
		args = append(args, "distance", matches[0].Distance, "answered", answered)
	}
	l.Logger.Debug("Recommendation", args...)
}
