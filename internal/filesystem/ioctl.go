package filesystem

import (
	"errors"
	"time"
)

// IoctlOp is a device control request number.
type IoctlOp uint32

const (
	TTYGetSettings  IoctlOp = 0x5401
	RTCGetTime      IoctlOp = 0x7009
	RTCGetTimestamp IoctlOp = 0x70FF
)

// IoctlCommand pairs an op with the value the device fills in, if any.
type IoctlCommand struct {
	Op       IoctlOp
	Response any
}

// ErrIoctlResponse is returned when a command carries a Response of the
// wrong type for its op.
var ErrIoctlResponse = errors.New("ioctl response has the wrong type")

// TTYSettings is the subset of struct termios a terminal reports.
type TTYSettings struct {
	Iflag uint32
	Oflag uint32
	Cflag uint32
	Lflag uint32
	Line  uint8
	Cc    [19]uint8
}

// DefaultTTYSettings is a cooked-mode terminal with echo enabled.
func DefaultTTYSettings() TTYSettings {
	return TTYSettings{
		Iflag: 0x0500, // ICRNL | IXON
		Oflag: 0x0005, // OPOST | ONLCR
		Cflag: 0x00BF, // B38400 | CS8 | CREAD
		Lflag: 0x8A3B, // ISIG | ICANON | ECHO | ECHOE | ECHOK | ECHOCTL | ECHOKE | IEXTEN
	}
}

// RTCTime mirrors struct rtc_time.
type RTCTime struct {
	Sec   int
	Min   int
	Hour  int
	Mday  int
	Mon   int // 0-11
	Year  int // years since 1900
	Wday  int
	Yday  int
	Isdst int
}

// NewRTCTime converts t to the rtc_time layout.
func NewRTCTime(t time.Time) RTCTime {
	t = t.UTC()
	return RTCTime{
		Sec:  t.Second(),
		Min:  t.Minute(),
		Hour: t.Hour(),
		Mday: t.Day(),
		Mon:  int(t.Month()) - 1,
		Year: t.Year() - 1900,
		Wday: int(t.Weekday()),
		Yday: t.YearDay() - 1,
	}
}
