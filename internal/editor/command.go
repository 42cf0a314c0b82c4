package editor

import "fmt"

// Command is the closed set of editor requests.
type Command interface {
	isCommand()
}

// OpenCmd installs an editor overlay for a file.
type OpenCmd struct {
	Path string
	Data string
}

// CloseCmd removes the overlay; the file falls back to its on-disk
// content.
type CloseCmd struct {
	Path string
}

// ChangeCmd splices text at a byte offset: Remove bytes are deleted and
// Data inserted.
type ChangeCmd struct {
	Path   string
	Offset int
	Remove int
	Data   string
}

// ChangeLinesCmd splices whole lines: Count lines starting at the
// 1-based Line are replaced by Data.
type ChangeLinesCmd struct {
	Path  string
	Line  int
	Count int
	Data  string
}

// ThemeCmd carries the editor's background and foreground colors.
type ThemeCmd struct {
	Bg, Fg [3]float64
}

// SynctexForwardCmd asks for the page position of a source line.
type SynctexForwardCmd struct {
	Path string
	Line int
}

// RescanCmd asks the driver to re-check tracked files on disk.
type RescanCmd struct{}

func (OpenCmd) isCommand()           {}
func (CloseCmd) isCommand()          {}
func (ChangeCmd) isCommand()         {}
func (ChangeLinesCmd) isCommand()    {}
func (ThemeCmd) isCommand()          {}
func (SynctexForwardCmd) isCommand() {}
func (RescanCmd) isCommand()         {}

func asString(v Value) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v Value) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asColor(v Value) ([3]float64, bool) {
	var c [3]float64
	l, ok := v.(List)
	if !ok || len(l) != 3 {
		return c, false
	}
	for i, e := range l {
		switch n := e.(type) {
		case float64:
			c[i] = n
		case int:
			c[i] = float64(n)
		default:
			return c, false
		}
	}
	return c, true
}

// ParseCommand interprets one parsed s-expression as a command.
func ParseCommand(v Value) (Command, error) {
	l, ok := v.(List)
	if !ok || len(l) == 0 {
		return nil, fmt.Errorf("command must be a non-empty list")
	}
	head, ok := l[0].(Symbol)
	if !ok {
		return nil, fmt.Errorf("command head must be a symbol")
	}

	bad := func() (Command, error) {
		return nil, fmt.Errorf("malformed %s command", head)
	}

	switch head {
	case "open":
		if len(l) != 3 {
			return bad()
		}
		path, ok1 := asString(l[1])
		data, ok2 := asString(l[2])
		if !ok1 || !ok2 {
			return bad()
		}
		return OpenCmd{Path: path, Data: data}, nil
	case "close":
		if len(l) != 2 {
			return bad()
		}
		path, ok := asString(l[1])
		if !ok {
			return bad()
		}
		return CloseCmd{Path: path}, nil
	case "change":
		if len(l) != 5 {
			return bad()
		}
		path, ok1 := asString(l[1])
		offset, ok2 := asInt(l[2])
		remove, ok3 := asInt(l[3])
		data, ok4 := asString(l[4])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return bad()
		}
		return ChangeCmd{Path: path, Offset: offset, Remove: remove, Data: data}, nil
	case "change-lines":
		if len(l) != 5 {
			return bad()
		}
		path, ok1 := asString(l[1])
		line, ok2 := asInt(l[2])
		count, ok3 := asInt(l[3])
		data, ok4 := asString(l[4])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return bad()
		}
		return ChangeLinesCmd{Path: path, Line: line, Count: count, Data: data}, nil
	case "theme":
		if len(l) != 3 {
			return bad()
		}
		bg, ok1 := asColor(l[1])
		fg, ok2 := asColor(l[2])
		if !ok1 || !ok2 {
			return bad()
		}
		return ThemeCmd{Bg: bg, Fg: fg}, nil
	case "synctex-forward":
		if len(l) != 3 {
			return bad()
		}
		path, ok1 := asString(l[1])
		line, ok2 := asInt(l[2])
		if !ok1 || !ok2 {
			return bad()
		}
		return SynctexForwardCmd{Path: path, Line: line}, nil
	case "rescan":
		if len(l) != 1 {
			return bad()
		}
		return RescanCmd{}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", head)
	}
}
