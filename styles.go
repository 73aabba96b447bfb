package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	primaryColor = lipgloss.Color("#2E86AB")
	accentColor  = lipgloss.Color("#FFA500")
	mutedColor   = lipgloss.Color("#888888")
	errorColor   = lipgloss.Color("#A40000")
	okColor      = lipgloss.Color("#00AA00")
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	descStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Italic(true)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor).
			MarginTop(1)

	flagStyle = lipgloss.NewStyle().
			Foreground(okColor).
			Bold(true)

	commandStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00AAAA")).
			Bold(true)

	defaultStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(errorColor)

	keyStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)

// printError writes err to w. Joined errors print one per line.
func printError(w io.Writer, err error) {
	lines := strings.Split(err.Error(), "\n")
	fmt.Fprintf(w, "%s %s\n", errorStyle.Render("Error:"), lines[0])
	for _, l := range lines[1:] {
		fmt.Fprintf(w, "       %s\n", l)
	}
}

// styledHelpPrinter renders kong help with lipgloss.
func styledHelpPrinter(_ kong.HelpOptions, ctx *kong.Context) error {
	node := ctx.Model.Node
	if sel := ctx.Selected(); sel != nil {
		node = sel
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("NICU Noise Shield"))
	sb.WriteString("\n")
	help := node.Help
	if help == "" {
		help = ctx.Model.Help
	}
	sb.WriteString(descStyle.Render(help))
	sb.WriteString("\n")

	sb.WriteString(sectionStyle.Render("Usage:"))
	sb.WriteString("\n  ")
	sb.WriteString(commandPath(node))
	if len(node.Children) > 0 {
		sb.WriteString(" <command>")
	}
	sb.WriteString(" [flags]\n")

	var cmds []*kong.Node
	for _, c := range node.Children {
		if !c.Hidden {
			cmds = append(cmds, c)
		}
	}
	if len(cmds) > 0 {
		sb.WriteString(sectionStyle.Render("Commands:"))
		sb.WriteString("\n")
		for _, c := range cmds {
			sb.WriteString("  ")
			sb.WriteString(commandStyle.Render(fmt.Sprintf("%-10s", c.Name)))
			sb.WriteString("  ")
			sb.WriteString(c.Help)
			sb.WriteString("\n")
		}
	}

	sb.WriteString(sectionStyle.Render("Flags:"))
	sb.WriteString("\n")
	sb.WriteString("  ")
	sb.WriteString(flagStyle.Render("-h, --help"))
	sb.WriteString("  Show context-sensitive help.\n")
	for n := node; n != nil; n = n.Parent {
		for _, f := range n.Flags {
			if f.Hidden || f.Name == "help" {
				continue
			}
			sb.WriteString("  ")
			sb.WriteString(flagStyle.Render(flagSummary(f)))
			if f.Help != "" {
				sb.WriteString("  ")
				sb.WriteString(f.Help)
			}
			if f.Default != "" {
				sb.WriteString(" ")
				sb.WriteString(defaultStyle.Render("(default: " + f.Default + ")"))
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n")
	fmt.Fprint(ctx.Stdout, sb.String())
	return nil
}

func commandPath(node *kong.Node) string {
	var parts []string
	for n := node; n != nil; n = n.Parent {
		parts = append([]string{n.Name}, parts...)
	}
	return strings.Join(parts, " ")
}

func flagSummary(f *kong.Flag) string {
	s := "--" + f.Name
	if f.Short != 0 {
		s = fmt.Sprintf("-%c, --%s", f.Short, f.Name)
	}
	if !f.IsBool() {
		s += "=" + strings.ToUpper(f.FormatPlaceHolder())
	}
	return s
}
