package tool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// RegisterBuiltins registers the local tool set agents can reference by name.
func RegisterBuiltins(r *Registry) {
	builtins := []Tool{
		fileReaderTool(),
		fileWriterTool(),
		currentTimeTool(),
		calculatorTool(),
		systemInfoTool(),
	}
	for _, t := range builtins {
		if err := r.Register(t.Name(), t); err != nil {
			slog.Warn("Failed to register builtin tool", "tool", t.Name(), "error", err)
		}
	}
}

func stringSchema(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func fileReaderTool() Tool {
	return NewFunc("file_reader",
		"Read the contents of a text file at the given path.",
		objectSchema([]string{"file_path"}, map[string]any{
			"file_path": stringSchema("Path of the file to read"),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			path := StringArg(args, "file_path", "")
			if path == "" {
				return "", fmt.Errorf("file_path is required")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}
			return string(data), nil
		})
}

func fileWriterTool() Tool {
	return NewFunc("file_writer",
		"Write or append text content to a file at the given path.",
		objectSchema([]string{"file_path", "content"}, map[string]any{
			"file_path": stringSchema("Path of the file to write"),
			"content":   stringSchema("Content to write"),
			"mode":      stringSchema("write (default) or append"),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			path := StringArg(args, "file_path", "")
			if path == "" {
				return "", fmt.Errorf("file_path is required")
			}
			content := StringArg(args, "content", "")

			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if StringArg(args, "mode", "write") == "append" {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(path, flags, 0644)
			if err != nil {
				return "", fmt.Errorf("failed to open file: %w", err)
			}
			defer f.Close()
			if _, err := f.WriteString(content); err != nil {
				return "", fmt.Errorf("failed to write file: %w", err)
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		})
}

func currentTimeTool() Tool {
	return NewFunc("current_time",
		"Get the current time. format: datetime (default), date, time, or unix.",
		objectSchema(nil, map[string]any{
			"format": stringSchema("datetime, date, time, or unix"),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			now := time.Now()
			switch StringArg(args, "format", "datetime") {
			case "date":
				return now.Format("2006-01-02"), nil
			case "time":
				return now.Format("15:04:05"), nil
			case "unix":
				return strconv.FormatInt(now.Unix(), 10), nil
			default:
				return now.Format("2006-01-02 15:04:05"), nil
			}
		})
}

func systemInfoTool() Tool {
	return NewFunc("system_info",
		"Get basic information about the host system.",
		objectSchema(nil, map[string]any{}),
		func(ctx context.Context, args map[string]any) (string, error) {
			hostname, _ := os.Hostname()
			return fmt.Sprintf("os=%s arch=%s cpus=%d hostname=%s",
				runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), hostname), nil
		})
}

func calculatorTool() Tool {
	return NewFunc("calculator",
		"Evaluate an arithmetic expression with + - * / and parentheses.",
		objectSchema([]string{"expression"}, map[string]any{
			"expression": stringSchema("Arithmetic expression to evaluate"),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			expr := StringArg(args, "expression", "")
			if expr == "" {
				return "", fmt.Errorf("expression is required")
			}
			result, err := evalExpr(&exprParser{input: expr})
			if err != nil {
				return "", err
			}
			return strconv.FormatFloat(result, 'f', -1, 64), nil
		})
}

// exprParser is a tiny recursive-descent arithmetic evaluator.
type exprParser struct {
	input string
	pos   int
}

func evalExpr(p *exprParser) (float64, error) {
	result, err := p.parseAddSub()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return result, nil
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseAddSub() (float64, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseMulDiv() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	if p.peek() == '(' {
		p.pos++
		v, err := p.parseAddSub()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	p.skipSpaces()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	return strconv.ParseFloat(strings.TrimSpace(p.input[start:p.pos]), 64)
}
