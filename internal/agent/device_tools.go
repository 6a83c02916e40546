package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coreply/cooperate/api/schemas"
)

// Result texts of the built-in tools.
const (
	ClickResult = "Click action performed successfully"
	SwipeResult = "Swipe action performed successfully"
	BackResult  = "Back action performed"
	HomeResult  = "Home action performed"
)

// DeviceToolTimings holds the pauses used by the built-in tools.
type DeviceToolTimings struct {
	FocusSettleDelay time.Duration // Between the textEnter tap and the focus check.
	SwipeDuration    time.Duration
}

// DefaultDeviceToolTimings matches the on-device behaviour.
func DefaultDeviceToolTimings() DeviceToolTimings {
	return DeviceToolTimings{FocusSettleDelay: 800 * time.Millisecond, SwipeDuration: 200 * time.Millisecond}
}

// deviceTools binds the built-in tools to one device.
type deviceTools struct {
	device     schemas.Device
	mapper     *CoordinateMapper
	foreground Dispatcher
	timings    DeviceToolTimings
	logger     *zap.Logger
}

func numberProp(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// RegisterDeviceTools registers click, swipe, textEnter, goBack and goHome.
// Coordinates arrive in model space and are mapped through mapper; every
// device call runs on foreground (inline when nil).
func RegisterDeviceTools(reg *ToolRegistry, device schemas.Device, mapper *CoordinateMapper, foreground Dispatcher, timings DeviceToolTimings, logger *zap.Logger) error {
	if foreground == nil {
		foreground = inlineDispatcher{}
	}
	t := &deviceTools{
		device:     device,
		mapper:     mapper,
		foreground: foreground,
		timings:    timings,
		logger:     logger.Named("device_tools"),
	}

	defs := []ToolDefinition{
		{
			Name:        "click",
			Description: "Click on a specific point on the screen from 0,0",
			Parameters: objectSchema(map[string]any{
				"x": numberProp("X coordinate of the click"),
				"y": numberProp("Y coordinate of the click"),
			}, "x", "y"),
			Handler: t.click,
		},
		{
			Name:        "swipe",
			Description: "Swipe from one point to another on the screen",
			Parameters: objectSchema(map[string]any{
				"x_start": numberProp("X coordinate of the swipe start point"),
				"y_start": numberProp("Y coordinate of the swipe start point"),
				"x_end":   numberProp("X coordinate of the swipe end point"),
				"y_end":   numberProp("Y coordinate of the swipe end point"),
			}, "x_start", "y_start", "x_end", "y_end"),
			Handler: t.swipe,
		},
		{
			Name:        "textEnter",
			Description: "Enter text at a specific x-y coordinates where 0,0 is the top left.",
			Parameters: objectSchema(map[string]any{
				"x":    numberProp("X coordinate to tap before entering text"),
				"y":    numberProp("Y coordinate to tap before entering text"),
				"text": map[string]any{"type": "string", "description": "Text to enter"},
			}, "x", "y", "text"),
			Handler: t.textEnter,
		},
		{
			Name:        "goBack",
			Description: "Perform back navigation",
			Parameters:  objectSchema(map[string]any{}),
			Handler:     t.goBack,
		},
		{
			Name:        "goHome",
			Description: "Navigate to home screen",
			Parameters:  objectSchema(map[string]any{}),
			Handler:     t.goHome,
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func actionError(action string, err error) string {
	return fmt.Sprintf("Error: %s failed: %v", action, err)
}

func (t *deviceTools) click(ctx context.Context, args ToolArguments) string {
	x, y := t.mapper.ToDeviceSpace(args.Float("x"), args.Float("y"))
	err := t.foreground.Do(ctx, func(ctx context.Context) error {
		return t.device.Tap(ctx, x, y)
	})
	if err != nil {
		return actionError("click", err)
	}
	t.logger.Debug("Click performed",
		zap.Float64("x", x), zap.Float64("y", y), zap.Float64("scale", t.mapper.Scale()))
	return ClickResult
}

func (t *deviceTools) swipe(ctx context.Context, args ToolArguments) string {
	x1, y1 := t.mapper.ToDeviceSpace(args.Float("x_start"), args.Float("y_start"))
	x2, y2 := t.mapper.ToDeviceSpace(args.Float("x_end"), args.Float("y_end"))
	err := t.foreground.Do(ctx, func(ctx context.Context) error {
		return t.device.Swipe(ctx, x1, y1, x2, y2, t.timings.SwipeDuration)
	})
	if err != nil {
		return actionError("swipe", err)
	}
	t.logger.Debug("Swipe performed",
		zap.Float64("x_start", x1), zap.Float64("y_start", y1),
		zap.Float64("x_end", x2), zap.Float64("y_end", y2),
		zap.Float64("scale", t.mapper.Scale()))
	return SwipeResult
}

// textEnter taps the target, waits for focus to settle off the foreground
// context, then inserts into whatever input gained focus.
func (t *deviceTools) textEnter(ctx context.Context, args ToolArguments) string {
	x, y := t.mapper.ToDeviceSpace(args.Float("x"), args.Float("y"))
	text := args.String("text")

	err := t.foreground.Do(ctx, func(ctx context.Context) error {
		return t.device.Tap(ctx, x, y)
	})
	if err != nil {
		return actionError("textEnter", err)
	}

	if err := sleepCtx(ctx, t.timings.FocusSettleDelay); err != nil {
		return actionError("textEnter", err)
	}

	var focused bool
	err = t.foreground.Do(ctx, func(ctx context.Context) error {
		var ferr error
		if focused, ferr = t.device.HasFocusedInput(ctx); ferr != nil || !focused {
			return ferr
		}
		return t.device.InsertText(ctx, text)
	})
	if err != nil {
		return actionError("textEnter", err)
	}
	if !focused {
		t.logger.Warn(TargetNotFoundText, zap.Float64("x", x), zap.Float64("y", y))
		return TargetNotFoundText
	}
	t.logger.Debug("Text entered",
		zap.Float64("x", x), zap.Float64("y", y), zap.Int("length", len(text)),
		zap.Float64("scale", t.mapper.Scale()))
	return "Text entered: " + text
}

func (t *deviceTools) goBack(ctx context.Context, _ ToolArguments) string {
	if err := t.foreground.Do(ctx, t.device.Back); err != nil {
		return actionError("goBack", err)
	}
	return BackResult
}

func (t *deviceTools) goHome(ctx context.Context, _ ToolArguments) string {
	if err := t.foreground.Do(ctx, t.device.Home); err != nil {
		return actionError("goHome", err)
	}
	return HomeResult
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
