// A distributed self-play client for the leelaz engine.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog"
)

const autogtpVersion = 18

var logger = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: "15:04:05",
	NoColor:    true,
}).With().Timestamp().Logger()

type cliArgs struct {
	GamesNum int      `arg:"-g,--gamesNum" default:"1" help:"play 'gamesNum' games on one device at the same time"`
	Gpus     []string `arg:"-u,--gpus,separate" help:"index of the device to use, repeatable for multiple devices"`
	KeepSgf  string   `arg:"-k,--keepSgf" help:"save SGF files after each self-play game in this directory"`
	Debug    string   `arg:"-d,--debug" help:"save training and extra debug files after each game in this directory"`
	Timeout  int      `arg:"-t,--timeout" help:"store running games after the timeout (in minutes) is passed and then exit"`
	Single   bool     `arg:"-s,--single" help:"exit after the first game is completed"`
	MaxGames int      `arg:"-m,--maxgames" default:"-1" help:"exit after the given number of games is completed"`
	Erase    bool     `arg:"-e,--erase" help:"erase old networks when new ones are available"`
	Hostname string   `arg:"--hostname" help:"address of the server"`
}

func (cliArgs) Version() string {
	return fmt.Sprintf("AutoGTP v%d", autogtpVersion)
}

func main() {
	var args cliArgs
	arg.MustParse(&args)

	gamesNum := args.GamesNum
	gpusNum := len(args.Gpus)
	if gpusNum == 0 {
		gpusNum = 1
	}
	maxNum := -1
	if args.MaxGames != -1 {
		maxNum = args.MaxGames
		if maxNum == 0 {
			maxNum = 1
		}
		if maxNum < gpusNum*gamesNum {
			gamesNum = maxNum / gpusNum
			if gamesNum == 0 {
				gamesNum = 1
				gpusNum = 1
			}
		}
		maxNum -= gpusNum * gamesNum
	}
	if args.Single {
		gamesNum = 1
		gpusNum = 1
		maxNum = 0
	}

	fmt.Fprintf(os.Stderr, "AutoGTP v%d\n", autogtpVersion)
	fmt.Fprintf(os.Stderr, "Using %d thread(s) for GPU(s).\n", gamesNum)
	if args.KeepSgf != "" {
		if err := os.MkdirAll(args.KeepSgf, 0755); err != nil {
			fmt.Fprintln(os.Stderr, "Couldn't create output directory for self-play SGF files!")
			os.Exit(1)
		}
	}
	if args.Debug != "" {
		if err := os.MkdirAll(args.Debug, 0755); err != nil {
			fmt.Fprintln(os.Stderr, "Couldn't create output directory for self-play Debug files!")
			os.Exit(1)
		}
	}
	if err := os.MkdirAll("networks", 0755); err != nil {
		fmt.Fprintln(os.Stderr, "Couldn't create the directory for the networks files!")
		os.Exit(1)
	}

	boss := NewManagement(ManagementConfig{
		Gpus:        gpusNum,
		Games:       gamesNum,
		GpusList:    args.Gpus,
		Version:     autogtpVersion,
		MaxGames:    maxNum,
		DelNetworks: args.Erase,
		KeepPath:    args.KeepSgf,
		DebugPath:   args.Debug,
		ServerURL:   args.Hostname,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		boss.Quit()
	}()
	if args.Timeout > 0 {
		time.AfterFunc(time.Duration(args.Timeout)*time.Minute, boss.Quit)
	} else if !args.Single && args.MaxGames == -1 {
		watchConsole(boss.Quit)
	}

	if err := boss.GiveAssignments(); err != nil {
		logger.Error().Err(err).Msg("Could not start the worker fleet")
		os.Exit(1)
	}
	if err := boss.Run(); err != nil {
		logger.Error().Err(err).Msg("Exiting")
		os.Exit(1)
	}
}
