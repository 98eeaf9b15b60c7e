package main

// event is one decoded unit of terminal input.
type event struct {
	key rune
	// focus is set for xterm focus reports: +1 gained, -1 lost.
	focus int
}

const (
	keyEnter     = '\r'
	keyBackspace = 0x7f
	keyCtrlC     = 0x03
	keyEsc       = 0x1b
	keyLeft      = 'p'
	keyRight     = 'n'
)

// decodeInput splits raw terminal bytes into events. Focus reports arrive as
// ESC [ I and ESC [ O once focus reporting is enabled. Arrow keys map onto
// the previous/next keys. Unknown escape sequences are dropped.
func decodeInput(buf []byte) []event {
	var out []event
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if b != keyEsc {
			if b == '\n' {
				b = keyEnter
			}
			out = append(out, event{key: rune(b)})
			continue
		}
		if i+2 >= len(buf) || buf[i+1] != '[' {
			out = append(out, event{key: keyEsc})
			continue
		}
		switch buf[i+2] {
		case 'I':
			out = append(out, event{focus: 1})
		case 'O':
			out = append(out, event{focus: -1})
		case 'C':
			out = append(out, event{key: keyRight})
		case 'D':
			out = append(out, event{key: keyLeft})
		}
		i += 2
	}
	return out
}
