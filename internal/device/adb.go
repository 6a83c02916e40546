// internal/device/adb.go
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/config"
)

// Runner executes one adb invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// execRunner shells out to the adb binary.
type execRunner struct {
	path    string
	serial  string
	timeout time.Duration
}

// NewExecRunner returns a Runner bound to one adb binary and, when serial is
// set, one device.
func NewExecRunner(cfg config.DeviceConfig) Runner {
	return &execRunner{path: cfg.ADBPath, serial: cfg.Serial, timeout: cfg.CommandTimeout}
}

func (r *execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	full := args
	if r.serial != "" {
		full = append([]string{"-s", r.serial}, args...)
	}

	cmd := exec.CommandContext(ctx, r.path, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("adb %s: %w", args[0], ctxErr)
		}
		return nil, fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ADB drives a phone through the Android Debug Bridge. It implements both
// schemas.Device and schemas.ScreenCapturer.
type ADB struct {
	runner Runner
	logger *zap.Logger
}

var (
	_ schemas.Device         = (*ADB)(nil)
	_ schemas.ScreenCapturer = (*ADB)(nil)
)

// NewADB wraps a Runner.
func NewADB(runner Runner, logger *zap.Logger) *ADB {
	return &ADB{runner: runner, logger: logger.Named("device.adb")}
}

func (a *ADB) shell(ctx context.Context, args ...string) ([]byte, error) {
	return a.runner.Run(ctx, append([]string{"shell"}, args...)...)
}

// Tap taps at device pixel coordinates.
func (a *ADB) Tap(ctx context.Context, x, y float64) error {
	a.logger.Debug("Tap", zap.Float64("x", x), zap.Float64("y", y))
	_, err := a.shell(ctx, "input", "tap", pixel(x), pixel(y))
	return err
}

// Swipe drags in a straight line over duration.
func (a *ADB) Swipe(ctx context.Context, x1, y1, x2, y2 float64, duration time.Duration) error {
	a.logger.Debug("Swipe",
		zap.Float64("x1", x1), zap.Float64("y1", y1),
		zap.Float64("x2", x2), zap.Float64("y2", y2),
		zap.Duration("duration", duration))
	ms := strconv.FormatInt(duration.Milliseconds(), 10)
	_, err := a.shell(ctx, "input", "swipe", pixel(x1), pixel(y1), pixel(x2), pixel(y2), ms)
	return err
}

// HasFocusedInput reports whether the soft keyboard is shown, which is the
// closest adb-visible signal for an editable field holding focus.
func (a *ADB) HasFocusedInput(ctx context.Context) (bool, error) {
	out, err := a.shell(ctx, "dumpsys", "input_method")
	if err != nil {
		return false, err
	}
	return bytes.Contains(out, []byte("mInputShown=true")), nil
}

// InsertText types text into the focused field.
func (a *ADB) InsertText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	for _, chunk := range splitInputText(text) {
		if _, err := a.shell(ctx, "input", "text", EscapeInputText(chunk)); err != nil {
			return err
		}
	}
	return nil
}

// splitInputText cuts text between every literal "%" and a following "s".
// `input text` has no escape for %s and would type a space instead, but a
// trailing % in one command and a leading s in the next come through as is.
func splitInputText(text string) []string {
	var chunks []string
	for {
		i := strings.Index(text, "%s")
		if i < 0 {
			break
		}
		chunks = append(chunks, text[:i+1])
		text = text[i+1:]
	}
	return append(chunks, text)
}

// Back presses the global back key.
func (a *ADB) Back(ctx context.Context) error {
	_, err := a.shell(ctx, "input", "keyevent", "KEYCODE_BACK")
	return err
}

// Home presses the global home key.
func (a *ADB) Home(ctx context.Context) error {
	_, err := a.shell(ctx, "input", "keyevent", "KEYCODE_HOME")
	return err
}

// Capture grabs the screen as PNG over exec-out, which avoids the CRLF
// mangling of `adb shell` on older devices.
func (a *ADB) Capture(ctx context.Context) (image.Image, error) {
	out, err := a.runner.Run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("screencap returned no data")
	}
	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

func pixel(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	return strconv.FormatInt(int64(math.Round(v)), 10)
}

// shellSpecial lists characters the device shell would interpret.
const shellSpecial = "\\\"'`$&|;<>()*~?![]{}#"

// EscapeInputText prepares text for `input text`: spaces become %s and shell
// metacharacters are backslash-escaped. A literal "%s" in text cannot be
// escaped; InsertText splits it across commands instead.
func EscapeInputText(text string) string {
	var b strings.Builder
	b.Grow(len(text) * 2)
	for _, r := range text {
		switch {
		case r == ' ' || r == '\n' || r == '\t':
			b.WriteString("%s")
		case strings.ContainsRune(shellSpecial, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
