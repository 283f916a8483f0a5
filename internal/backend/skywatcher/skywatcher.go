// Package skywatcher implements queue.BackEnd over a real serial-attached
// SkyWatcher-family controller: one short ASCII frame per command,
// terminated by '\r' (transport.SerialConfig's default terminator),
// sent and replied to through the narrow internal/transport.Transport
// the Command Queue worker is the only caller of.
package skywatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/darkdragonsastro/mountcore/internal/mounterrors"
	"github.com/darkdragonsastro/mountcore/internal/queue"
	"github.com/darkdragonsastro/mountcore/internal/transport"
)

// Frame letters for the controller's ASCII command set. Each frame is
// ":<letter><axis><payload>"; axis is '1' (primary/RA) or '2' (secondary/
// Dec). Replies start with '=' on success, '!' on a hardware error.
const (
	cmdMotorCardVersion = 'e'
	cmdGetSteps         = 'f'
	cmdAxisStatus       = 'j'
	cmdGoToTarget       = 'G'
	cmdSlewRate         = 'I'
	cmdStopAxis         = 'K'
	cmdSetPosition      = 'S'
	cmdControllerVolts  = 'v'
)

func axisChar(axis int) byte {
	if axis == 1 {
		return '2'
	}
	return '1'
}

// BackEnd drives a real mount over t.
type BackEnd struct {
	t transport.Transport
}

// New returns a BackEnd over an already-constructed Transport; Open is
// the queue's responsibility at Connect time, not this backend's.
func New(t transport.Transport) *BackEnd {
	return &BackEnd{t: t}
}

// Execute implements queue.BackEnd: one frame out, one reply in, per
// command. Every CommandKind the Command Queue can issue has a frame
// here; PEC enable/disable and home-sensor search are wire-level
// capabilities this core never issues directly (PEC correction here is
// purely computational — internal/pec — and Home is driven through the
// Slew Controller's ordinary GoToAxisTarget path against home_axes).
func (b *BackEnd) Execute(ctx context.Context, cmd *queue.Command) error {
	switch cmd.Kind {
	case queue.GoToAxisTarget:
		_, err := b.send(ctx, frame(cmdGoToTarget, cmd.Axis, encodeSteps(cmd.Value)))
		return err

	case queue.MoveAxisRate:
		_, err := b.send(ctx, frame(cmdSlewRate, cmd.Axis, encodeSteps(cmd.Value)))
		return err

	case queue.StopAxes:
		if _, err := b.send(ctx, frame(cmdStopAxis, 0, "")); err != nil {
			return err
		}
		_, err := b.send(ctx, frame(cmdStopAxis, 1, ""))
		return err

	case queue.SetAxisPosition:
		_, err := b.send(ctx, frame(cmdSetPosition, cmd.Axis, encodeSteps(cmd.Value)))
		return err

	case queue.IsAxisFullStop:
		reply, err := b.send(ctx, frame(cmdAxisStatus, cmd.Axis, ""))
		if err != nil {
			return err
		}
		cmd.Result = strings.TrimSpace(reply) == "=1"
		return nil

	case queue.GetSteps:
		stepsX, err := b.getAxisSteps(ctx, 0)
		if err != nil {
			return err
		}
		stepsY, err := b.getAxisSteps(ctx, 1)
		if err != nil {
			return err
		}
		cmd.Result = [2]float64{stepsX, stepsY}
		return nil

	case queue.GetControllerVoltage:
		reply, err := b.send(ctx, frame(cmdControllerVolts, 0, ""))
		if err != nil {
			return err
		}
		millivolts, perr := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(reply), "="), 64)
		if perr != nil {
			return mounterrors.Wrap(mounterrors.MountError, "controller voltage reply unparsable", perr)
		}
		cmd.Result = millivolts / 1000.0
		return nil

	case queue.GetMotorCardVersion:
		reply, err := b.send(ctx, frame(cmdMotorCardVersion, 0, ""))
		if err != nil {
			return err
		}
		cmd.Result = strings.TrimPrefix(strings.TrimSpace(reply), "=")
		return nil

	case queue.GetPositionsDegrees:
		// No direct wire command: the hardware only reports raw steps.
		// The Position Pipeline always asks for GetSteps and converts
		// itself, so this kind never reaches a real mount in practice.
		return mounterrors.New(mounterrors.MountError, "skywatcher: GetPositionsDegrees is not a wire command")

	default:
		return mounterrors.New(mounterrors.MountError, "skywatcher: unrecognised command kind")
	}
}

func (b *BackEnd) getAxisSteps(ctx context.Context, axis int) (float64, error) {
	reply, err := b.send(ctx, frame(cmdGetSteps, axis, ""))
	if err != nil {
		return 0, err
	}
	steps, perr := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(reply), "="), 64)
	if perr != nil {
		return 0, mounterrors.Wrap(mounterrors.MountError, "get_steps reply unparsable", perr)
	}
	return steps, nil
}

func (b *BackEnd) send(ctx context.Context, payload string) (string, error) {
	reply, err := b.t.WriteCommand(ctx, []byte(payload))
	if err != nil {
		return "", err
	}
	text := string(reply)
	if strings.HasPrefix(strings.TrimSpace(text), "!") {
		return "", mounterrors.New(mounterrors.MountError, "controller replied with an error frame: "+text)
	}
	return text, nil
}

func frame(letter byte, axis int, payload string) string {
	return fmt.Sprintf(":%c%c%s", letter, axisChar(axis), payload)
}

func encodeSteps(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
