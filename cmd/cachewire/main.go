// Command cachewire runs one cache operation against a pool of servers.
//
// Usage:
//
//	cachewire [-config pool.toml] [-all] <command> [args...]
//
// Commands:
//
//	get <key>                 print the decoded value
//	set <key> <value> [ttl]   store value; ttl is a Go duration such as 30s
//	del <key>                 delete key
//	has <key>                 report whether key exists
//	flush                     remove every key
//	ping                      check liveness
//	do <command line>         send a raw command line, e.g. do SET k "a b"
//
// Without -config the pool is read from CACHEWIRE_SERVERS. With -all the
// get, set, del, has, flush and ping commands run on every server and print
// a per-server tally.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachemir/cachewire/internal/logging"
	"github.com/cachemir/cachewire/pkg/cache"
	"github.com/cachemir/cachewire/pkg/config"
	"github.com/cachemir/cachewire/pkg/pool"
)

var errUsage = errors.New("usage: cachewire [-config file] [-all] <get|set|del|has|flush|ping|do> [args...]")

func main() {
	logger := logging.Configure("cachewire", logging.Profile{Out: os.Stderr, Level: zerolog.WarnLevel})
	if err := run(os.Args[1:], os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("cachewire", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "TOML pool file (default: CACHEWIRE_SERVERS)")
	all := fs.Bool("all", false, "run the command on every server")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	p := pool.New(pool.WithLogger(logger))
	for _, ep := range cfg.Endpoints() {
		p.AddServer(ep)
	}
	c := cache.New(p,
		cache.WithLogger(logger),
		cache.WithNullIfExpired(cfg.NullIfExpired),
		cache.WithDeleteIfExpired(cfg.DeleteIfExpired),
	)
	defer c.Close()

	cmd, rest := strings.ToLower(fs.Arg(0)), fs.Args()[1:]
	if *all {
		return runAll(c, cmd, rest, out)
	}
	return runOne(c, cmd, rest, out)
}

func loadConfig(path string) (*config.PoolConfig, error) {
	if path != "" {
		return config.LoadPoolConfigFile(path)
	}
	return config.LoadPoolConfig()
}

func runOne(c *cache.Cache, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "get":
		if len(args) != 1 {
			return errUsage
		}
		v, err := c.Get(args[0])
		if err != nil {
			return err
		}
		return printValue(out, v)
	case "set":
		key, value, ttl, err := setArgs(args)
		if err != nil {
			return err
		}
		if err := c.Set(key, value, ttl); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
		return nil
	case "del":
		if len(args) != 1 {
			return errUsage
		}
		return printBool(out)(c.Delete(args[0]))
	case "has":
		if len(args) != 1 {
			return errUsage
		}
		return printBool(out)(c.Has(args[0]))
	case "flush":
		return printBool(out)(c.Flush())
	case "ping":
		if err := c.Connect(); err != nil {
			return err
		}
		if err := c.Ping(); err != nil {
			return err
		}
		fmt.Fprintln(out, "PONG")
		return nil
	case "do":
		if len(args) == 0 {
			return errUsage
		}
		if err := c.Connect(); err != nil {
			return err
		}
		reply, err := c.Pool().Active().Do(strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, reply)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func runAll(c *cache.Cache, cmd string, args []string, out io.Writer) error {
	var res pool.BulkResult
	switch cmd {
	case "get":
		if len(args) != 1 {
			return errUsage
		}
		v, _ := c.GetAny(args[0])
		return printValue(out, v)
	case "has":
		if len(args) != 1 {
			return errUsage
		}
		fmt.Fprintln(out, strings.Join(c.HasAll(args[0]), "\n"))
		return nil
	case "set":
		key, value, ttl, err := setArgs(args)
		if err != nil {
			return err
		}
		res = c.SetAll(key, value, ttl)
	case "del":
		if len(args) != 1 {
			return errUsage
		}
		res = c.DeleteAll(args[0])
	case "flush":
		res = c.FlushAll()
	case "ping":
		_ = c.Connect()
		res = c.PingAll()
	default:
		return fmt.Errorf("%w: %q does not support -all", errUsage, cmd)
	}

	fmt.Fprintln(out, res)
	for _, err := range res.Errors {
		fmt.Fprintln(out, "  ", err)
	}
	return nil
}

func setArgs(args []string) (string, string, time.Duration, error) {
	switch len(args) {
	case 2:
		return args[0], args[1], 0, nil
	case 3:
		ttl, err := time.ParseDuration(args[2])
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid ttl %q: %w", args[2], err)
		}
		return args[0], args[1], ttl, nil
	default:
		return "", "", 0, errUsage
	}
}

func printBool(out io.Writer) func(bool, error) error {
	return func(ok bool, err error) error {
		if err != nil {
			return err
		}
		fmt.Fprintln(out, ok)
		return nil
	}
}

func printValue(out io.Writer, v any) error {
	switch val := v.(type) {
	case nil:
		fmt.Fprintln(out, "(nil)")
	case string:
		fmt.Fprintln(out, val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	}
	return nil
}
