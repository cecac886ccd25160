package ui

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/Metaphorme/railsync/pkg/session"
)

// ErrQuit 表示用户要求离开
var ErrQuit = errors.New("quit")

// Controller 是控制台能驱动的会话操作，通常是 *session.Manager
type Controller interface {
	Say(text string, to ...string)
	RequestControl(train int)
	ThrowSwitch(junction, route int)
	Uncouple(train, at int, ownerOnNew bool)
	Couple(survivor, absorbed int)
	ChangeLoco(train, lead int)
	FlipTrain(train int)
	Kick(name string) error
	GrantAider(name string, add bool) error
	BeginHandoff() error
	SetAvatar(url string)
	Status() session.Status
	Quit()
}

var _ Controller = (*session.Manager)(nil)

// Command 是解析后的一行输入
type Command struct {
	Name string
	Args []string
	Text string // /say 与 /msg 的正文
}

type cmdInfo struct {
	args  int // 必需的位置参数个数
	usage string
}

var commands = map[string]cmdInfo{
	"say":      {0, "/say <text>         chat with everyone (plain lines do the same)"},
	"msg":      {1, "/msg <a,b> <text>   chat with some participants"},
	"control":  {1, "/control <train>    take control of a train"},
	"switch":   {2, "/switch <j> <route> throw a junction"},
	"uncouple": {2, "/uncouple <train> <car> [own]  split before car index"},
	"couple":   {2, "/couple <survivor> <absorbed>"},
	"loco":     {2, "/loco <train> <car> set the lead locomotive"},
	"flip":     {1, "/flip <train>       reverse a train"},
	"kick":     {1, "/kick <user>        remove a participant (host)"},
	"aider":    {1, "/aider <user> [off] trust a participant to take over hosting"},
	"handoff":  {0, "/handoff            ask aiders to take over hosting"},
	"avatar":   {1, "/avatar <url>"},
	"status":   {0, "/status             show participants and trains"},
	"quit":     {0, "/quit"},
	"help":     {0, "/help"},
}

// ParseCommand 解析一行输入。不以 / 开头的行视为公共聊天。
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, errors.New("empty command")
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Name: "say", Text: line}, nil
	}
	head, rest, _ := strings.Cut(line[1:], " ")
	name := strings.ToLower(head)
	sp, ok := commands[name]
	if !ok {
		return Command{}, fmt.Errorf("unknown command /%s, try /help", head)
	}
	rest = strings.TrimSpace(rest)
	switch name {
	case "say":
		if rest == "" {
			return Command{}, errors.New("usage: " + sp.usage)
		}
		return Command{Name: name, Text: rest}, nil
	case "msg":
		to, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if to == "" || text == "" {
			return Command{}, errors.New("usage: " + sp.usage)
		}
		return Command{Name: name, Args: strings.Split(to, ","), Text: text}, nil
	}
	args := strings.Fields(rest)
	if len(args) < sp.args {
		return Command{}, errors.New("usage: " + sp.usage)
	}
	return Command{Name: name, Args: args}, nil
}

func intArgs(cmd Command, n int) ([]int, error) {
	out := make([]int, n)
	for i := range n {
		v, err := strconv.Atoi(cmd.Args[i])
		if err != nil {
			return nil, fmt.Errorf("/%s: %q is not a number", cmd.Name, cmd.Args[i])
		}
		out[i] = v
	}
	return out, nil
}

// Execute 执行命令，返回需要显示的文本。/quit 返回 ErrQuit。
func Execute(ctl Controller, cmd Command) (string, error) {
	switch cmd.Name {
	case "say":
		ctl.Say(cmd.Text)
	case "msg":
		ctl.Say(cmd.Text, cmd.Args...)
	case "control", "flip":
		n, err := intArgs(cmd, 1)
		if err != nil {
			return "", err
		}
		if cmd.Name == "control" {
			ctl.RequestControl(n[0])
		} else {
			ctl.FlipTrain(n[0])
		}
	case "switch", "couple", "loco":
		n, err := intArgs(cmd, 2)
		if err != nil {
			return "", err
		}
		switch cmd.Name {
		case "switch":
			ctl.ThrowSwitch(n[0], n[1])
		case "couple":
			ctl.Couple(n[0], n[1])
		default:
			ctl.ChangeLoco(n[0], n[1])
		}
	case "uncouple":
		n, err := intArgs(cmd, 2)
		if err != nil {
			return "", err
		}
		own := len(cmd.Args) > 2 && strings.EqualFold(cmd.Args[2], "own")
		ctl.Uncouple(n[0], n[1], own)
	case "kick":
		return "", ctl.Kick(cmd.Args[0])
	case "aider":
		add := !(len(cmd.Args) > 1 && strings.EqualFold(cmd.Args[1], "off"))
		return "", ctl.GrantAider(cmd.Args[0], add)
	case "handoff":
		return "", ctl.BeginHandoff()
	case "avatar":
		ctl.SetAvatar(cmd.Args[0])
	case "status":
		return FormatStatus(ctl.Status()), nil
	case "help":
		return Help(), nil
	case "quit":
		ctl.Quit()
		return "", ErrQuit
	default:
		return "", fmt.Errorf("unknown command /%s", cmd.Name)
	}
	return "", nil
}

// Help 返回全部命令的用法
func Help() string {
	lines := make([]string, 0, len(commands))
	for _, sp := range commands {
		lines = append(lines, "  "+sp.usage)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// FormatStatus 把会话状态格式化为多行文本
func FormatStatus(st session.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is %s (%s)", st.User, st.Role, st.State)
	if st.Host != "" && st.Host != st.User {
		fmt.Fprintf(&b, ", host %s", st.Host)
	}
	fmt.Fprintf(&b, ", clock %.0fs\n", st.Clock)
	for _, p := range st.Participants {
		train := "-"
		if p.Train != 0 {
			train = strconv.Itoa(p.Train)
		}
		aider := ""
		if p.Aider {
			aider = " aider"
		}
		fmt.Fprintf(&b, "  %-16s train %-5s %s%s\n", p.Name, train, p.Status, aider)
	}
	for _, e := range st.Lost {
		fmt.Fprintf(&b, "  lost: %s left train %d at %.0fs\n", e.User, e.Train, e.QuitTime)
	}
	return strings.TrimRight(b.String(), "\n")
}

func completer() *readline.PrefixCompleter {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, n := range names {
		items = append(items, readline.PcItem("/"+n))
	}
	return readline.NewPrefixCompleter(items...)
}

// Loop 读取并执行命令，直到 /quit 或输入结束
func (c *Console) Loop(ctl Controller) error {
	for {
		line, err := c.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line != "" {
				continue
			}
			ctl.Quit()
			return nil
		}
		if errors.Is(err, io.EOF) {
			ctl.Quit()
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			c.Println(C(err.Error(), CYel))
			continue
		}
		out, err := Execute(ctl, cmd)
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			c.Println(C(err.Error(), CYel))
			continue
		}
		if out != "" {
			c.Println(out)
		}
	}
}
