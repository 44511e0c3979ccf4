package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// LineTerminator ends every command on the wire.
const LineTerminator = "\n"

// MassageType selects the pillow's actuation pattern.
type MassageType int

const (
	Vibration MassageType = iota
	Pressure
	Circular
	Combined
)

var massageTypeNames = [...]string{"Vibration", "Pressure", "Circular", "Combined"}

// MassageTypes lists every valid massage type in wire order.
func MassageTypes() []MassageType {
	return []MassageType{Vibration, Pressure, Circular, Combined}
}

func (m MassageType) String() string {
	if !m.Valid() {
		return fmt.Sprintf("MassageType(%d)", int(m))
	}
	return massageTypeNames[m]
}

// Valid reports whether m is one of the four known types.
func (m MassageType) Valid() bool {
	return m >= Vibration && m <= Combined
}

// ParseMassageType parses a massage type name case-insensitively, so both
// "Circular" and "CIRCULAR" are accepted.
func ParseMassageType(s string) (MassageType, error) {
	s = strings.TrimSpace(s)
	for i, name := range massageTypeNames {
		if strings.EqualFold(s, name) {
			return MassageType(i), nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown massage type %q", s)
}

// MarshalText implements encoding.TextMarshaler (used by yaml and json).
func (m MassageType) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("protocol: invalid massage type %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MassageType) UnmarshalText(text []byte) error {
	v, err := ParseMassageType(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// CommandKind identifies a controller to device command.
type CommandKind int

const (
	CmdActivate CommandKind = iota
	CmdDeactivate
	CmdSensitivity
	CmdMode
	CmdAutoBPM
)

// Command wire keywords.
const (
	wordActivate    = "ACTIVATE"
	wordDeactivate  = "DEACTIVATE"
	wordSensitivity = "SENS"
	wordMode        = "MODE"
	wordAutoBPM     = "AUTOBPM"
)

// ErrInvalidCommand is returned for commands that cannot be put on the wire.
var ErrInvalidCommand = errors.New("protocol: invalid command")

// Command is a single controller to device instruction.
type Command struct {
	Kind  CommandKind
	Value uint32      // SENS (0-100) and AUTOBPM
	Mode  MassageType // MODE
}

func Activate() Command { return Command{Kind: CmdActivate} }
func Deactivate() Command { return Command{Kind: CmdDeactivate} }
func Sensitivity(pct uint8) Command { return Command{Kind: CmdSensitivity, Value: uint32(pct)} }
func Mode(m MassageType) Command { return Command{Kind: CmdMode, Mode: m} }
func AutoBPM(limit uint32) Command { return Command{Kind: CmdAutoBPM, Value: limit} }

// Validate checks that the command has a wire representation.
func (c Command) Validate() error {
	switch c.Kind {
	case CmdActivate, CmdDeactivate, CmdAutoBPM:
		return nil
	case CmdSensitivity:
		if c.Value > maxPercent {
			return fmt.Errorf("%w: sensitivity %d out of range 0-100", ErrInvalidCommand, c.Value)
		}
		return nil
	case CmdMode:
		if !c.Mode.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidCommand, c.Mode)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidCommand, int(c.Kind))
	}
}

// String returns the command's wire text without the line terminator.
func (c Command) String() string {
	switch c.Kind {
	case CmdActivate:
		return wordActivate
	case CmdDeactivate:
		return wordDeactivate
	case CmdSensitivity:
		return wordSensitivity + kvSeparator + strconv.FormatUint(uint64(c.Value), 10)
	case CmdMode:
		return wordMode + kvSeparator + c.Mode.String()
	case CmdAutoBPM:
		return wordAutoBPM + kvSeparator + strconv.FormatUint(uint64(c.Value), 10)
	default:
		return fmt.Sprintf("Command(%d)", int(c.Kind))
	}
}

// Encode returns the bytes to transmit for c, including the line terminator.
func Encode(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return []byte(c.String() + LineTerminator), nil
}

// ParseCommand is the inverse of Encode. Surrounding whitespace and the
// line terminator are ignored; keywords are case-insensitive.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	word, arg, hasArg := strings.Cut(line, kvSeparator)
	word = strings.ToUpper(strings.TrimSpace(word))
	arg = strings.TrimSpace(arg)

	var c Command
	switch word {
	case wordActivate:
		c = Activate()
	case wordDeactivate:
		c = Deactivate()
	case wordSensitivity:
		v, err := strconv.ParseUint(arg, 10, 8)
		if !hasArg || err != nil {
			return Command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, line)
		}
		c = Sensitivity(uint8(v))
	case wordMode:
		m, err := ParseMassageType(arg)
		if !hasArg || err != nil {
			return Command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, line)
		}
		c = Mode(m)
	case wordAutoBPM:
		v, err := strconv.ParseUint(arg, 10, 32)
		if !hasArg || err != nil {
			return Command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, line)
		}
		c = AutoBPM(uint32(v))
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, line)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// Echo returns the telemetry a device reports once it has applied c.
// Only ACTIVATE and DEACTIVATE have an echo.
func Echo(c Command) (TelemetryFrame, bool) {
	switch c.Kind {
	case CmdActivate:
		return TelemetryFrame{Active: Bool(true)}, true
	case CmdDeactivate:
		return TelemetryFrame{Active: Bool(false)}, true
	default:
		return TelemetryFrame{}, false
	}
}
