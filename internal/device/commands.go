package device

import (
	"fmt"
	"strings"
)

// Android key codes used by the action library.
const (
	KeyTab   = 61
	KeyEnter = 66
)

// DefaultTCPIPPort is the port adb tcpip listens on when none is configured.
const DefaultTCPIPPort = 5555

// Quote single-quotes s for the device shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func GetState() string { return "get-state" }

func Connect(addr string) string { return "connect " + addr }

func TCPIP(port int) string {
	if port <= 0 {
		port = DefaultTCPIPPort
	}
	return fmt.Sprintf("tcpip %d", port)
}

func ViewURL(url string) string {
	return "shell am start -a android.intent.action.VIEW -d " + Quote(url)
}

func TypeText(text string) string { return "shell input text " + Quote(text) }

// TypeSpace types a literal space between words.
func TypeSpace() string { return "shell input text ' '" }

func KeyEvent(code int) string { return fmt.Sprintf("shell input keyevent %d", code) }

func Swipe(x1, y1, x2, y2 int) string {
	return fmt.Sprintf("shell input swipe %d %d %d %d", x1, y1, x2, y2)
}

// ScrollDown is the downward swipe used while reading.
func ScrollDown() string { return Swipe(500, 1500, 500, 1000) }
