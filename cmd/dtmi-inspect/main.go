// dtmi-inspect resolves a device model and prints its entity graph.
//
// Usage:
//
//	dtmi-inspect [flags] DTMI
//
// Models are looked up in -local, then -private, then the public
// repository, exactly as the service does. -property and -command show
// the patch and method name the webhooks would produce for the model.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/nerrad567/pnp-hooks/internal/devicemodel"
)

// options holds the parsed command line.
type options struct {
	modelID    string
	publicURL  string
	privateURL string
	token      string
	localDir   string
	kind       string
	property   string
	value      string
	command    string
	timeout    time.Duration
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	fetcher := devicemodel.NewSources(devicemodel.SourceConfig{
		PublicURL:  opts.publicURL,
		PrivateURL: opts.privateURL,
		Token:      opts.token,
		LocalDir:   opts.localDir,
		Timeout:    opts.timeout,
	})
	if err := inspect(ctx, fetcher, opts, color.Output); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, errOut io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("dtmi-inspect", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&opts.publicURL, "public", devicemodel.DefaultPublicURL, "public models repository URL")
	fs.StringVar(&opts.privateURL, "private", "", "private models repository URL")
	fs.StringVar(&opts.token, "token", os.Getenv("GIT_TOKEN"), "private repository token (default $GIT_TOKEN)")
	fs.StringVar(&opts.localDir, "local", "", "local directory laid out like a models repository")
	fs.StringVar(&opts.kind, "kind", "", "only print entities of this kind (Property, Command, ...)")
	fs.StringVar(&opts.property, "property", "", "print the desired patch for this writable property")
	fs.StringVar(&opts.value, "value", "example", "value used with -property")
	fs.StringVar(&opts.command, "command", "", "print the qualified method name for this command")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout")
	fs.BoolVar(&color.NoColor, "no-color", color.NoColor, "disable colour output")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, fmt.Errorf("expected exactly one DTMI, got %d arguments", fs.NArg())
	}
	opts.modelID = fs.Arg(0)
	if !devicemodel.IsValidDTMI(opts.modelID) {
		return opts, fmt.Errorf("%w: %q", devicemodel.ErrInvalidModelID, opts.modelID)
	}
	return opts, nil
}

var (
	heading = color.New(color.Bold, color.Underline)
	idColor = color.New(color.FgHiBlack)
	missing = color.New(color.FgYellow)
)

// kindColors distinguishes the kinds users usually look for.
var kindColors = map[devicemodel.EntityKind]*color.Color{
	devicemodel.KindInterface: color.New(color.FgMagenta, color.Bold),
	devicemodel.KindComponent: color.New(color.FgBlue, color.Bold),
	devicemodel.KindProperty:  color.New(color.FgGreen),
	devicemodel.KindTelemetry: color.New(color.FgCyan),
	devicemodel.KindCommand:   color.New(color.FgRed),
}

func kindColor(kind devicemodel.EntityKind) *color.Color {
	if c, ok := kindColors[kind]; ok {
		return c
	}
	return color.New(color.Reset)
}

// inspect resolves opts.modelID and writes the report to out.
func inspect(ctx context.Context, fetcher devicemodel.Fetcher, opts options, out io.Writer) error {
	resolver, err := devicemodel.NewResolver(fetcher, devicemodel.ResolverConfig{})
	if err != nil {
		return err
	}
	graph, err := resolver.Resolve(ctx, opts.modelID)
	if err != nil {
		return err
	}

	heading.Fprintf(out, "%s", graph.RootID())
	fmt.Fprintf(out, " (%d entities, %d fetches)\n\n", graph.Len(), resolver.Stats().Fetches)

	entities := graph.Entities()
	if opts.kind != "" {
		entities = graph.OfKind(devicemodel.EntityKind(opts.kind))
	}
	for _, e := range entities {
		printEntity(out, graph, e)
	}

	if opts.property != "" {
		fmt.Fprintln(out)
		heading.Fprintf(out, "desired patch for %s\n", opts.property)
		prop, ok := graph.FindWritableProperty(opts.property)
		patch := devicemodel.PropertyPatch(graph, prop, opts.value)
		switch {
		case !ok:
			missing.Fprintf(out, "no writable property %q\n", opts.property)
		case patch == nil:
			missing.Fprintf(out, "property %q is not reachable from the root interface\n", opts.property)
		default:
			data, err := json.MarshalIndent(patch, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
		}
	}

	if opts.command != "" {
		fmt.Fprintln(out)
		heading.Fprintf(out, "method name for %s\n", opts.command)
		cmd, ok := graph.FindCommand(opts.command)
		if !ok {
			missing.Fprintf(out, "no command %q\n", opts.command)
		} else {
			comp, _ := graph.ContainingComponent(cmd)
			fmt.Fprintln(out, devicemodel.QualifiedName(cmd, comp))
		}
	}
	return nil
}

func printEntity(out io.Writer, graph *devicemodel.Graph, e devicemodel.Entity) {
	info := e.Info()
	kindColor(info.Kind).Fprintf(out, "%-14s", info.Kind)

	name := info.Name
	if comp, ok := graph.ContainingComponent(e); ok && name != "" {
		name = devicemodel.QualifiedName(e, comp)
	}
	fmt.Fprintf(out, " %-28s ", name)
	idColor.Fprintln(out, info.ID)

	if p, ok := e.(*devicemodel.PropertyInfo); ok && p.Writable {
		fmt.Fprintf(out, "%14s   writable, schema %s\n", "", p.Schema)
	}
}
