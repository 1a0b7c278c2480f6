package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/bot"
)

// ============================================================================
// Core
// ============================================================================

const (
	MsgConfigFailedToLoad   = "Failed to load config: %v"
	MsgDatabaseInitFail     = "Failed to initialize database: %v"
	MsgBotStarting          = "Starting %s..."
	MsgBotReady             = "%s is ready! (ID: %s) (Took: %dms)"
	MsgBotShutdown          = "Shutting down %s..."
	MsgBotKillingOld        = "Killing running instance... (PID: %d)"
	MsgBotOldTerminated     = "Old instance terminated."
	MsgBotStubbornOld       = "Old process %d is stubborn. Sending SIGKILL..."
	MsgBotKillResistant     = "Process %d still exists after SIGKILL"
	MsgBotRestarting        = "Self-restarting process..."
	MsgBotStartPathFail     = "Failed to resolve executable path: %v"
	MsgBotExecFail          = "Failed to re-execute: %v"
	MsgBotClientCreateFail  = "failed to create Discord client after %d attempts: %w"
	MsgBotClientRetry       = "Failed to create Discord client (attempt %d/5): %v. Retrying in 5s..."
	MsgBotSkipReg           = "Skipping command registration as requested."
	MsgBotGatewayFail       = "failed to open gateway: %w"
	MsgBotRegisterFail      = "Command registration failed: %v"
	MsgDaemonShutdown       = "Shutting down all daemons..."
	MsgGenericError         = "%v"
	MsgInitializing         = "Initializing %s..."
	MsgPIDOpenFail          = "Failed to open PID file: %v"
	MsgPIDLockFail          = "Failed to lock PID file: %v"
	MsgSignalDumpParams     = "Received SIGUSR1, dumping goroutines to goroutines.txt"
	MsgSignalDumpCreateFail = "Failed to create goroutines.txt: %v"
	MsgSignalDumpSuccess    = "Goroutines dumped"
	MsgPanicFatal           = "\n[FATAL] %s\n"
	BotPIDFile              = ".bot.pid"
)

func main() {
	// 0. Recover from panics (LogFatal uses panic to ensure defers run)
	defer func() {
		if r := recover(); r != nil {
			if msg, ok := r.(string); ok {
				fmt.Fprintf(os.Stderr, MsgPanicFatal, msg)
				os.Exit(1)
			}
			panic(r)
		}
	}()

	// 1. Load configuration early
	cfg, err := LoadConfig()
	if err != nil {
		LogFatal(MsgConfigFailedToLoad, err)
	}

	silent := flag.Bool("silent", false, "Disable all log output")
	skipReg := flag.Bool("skip-reg", false, "Skip command registration")
	clearAll := flag.Bool("clear-all", false, "Force clear guild commands (scan all guilds)")
	flag.Parse()

	// 2. Initialize Logger (handle flags)
	logName := InitLogger(*silent, true)

	botName := GetProjectName()
	LogInfo(MsgBotStarting, botName)

	// 3. Initialize Database & Logs
	LogInfo(MsgInitializing, filepath.Base(cfg.DatabasePath))
	if logName != "" {
		LogInfo(MsgInitializing, filepath.Base(logName))
	}

	if err := InitDatabase(context.Background(), cfg.DatabasePath); err != nil {
		LogFatal(MsgDatabaseInitFail, err)
	}
	defer CloseDatabase()

	// 4. Open or create the PID file
	f, err := os.OpenFile(BotPIDFile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		LogFatal(MsgPIDOpenFail, err)
	}
	defer f.Close()

	// 5. Try to acquire an exclusive lock, evicting a previous instance if needed
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}

		if err != syscall.EWOULDBLOCK {
			LogFatal(MsgPIDLockFail, err)
		}

		var oldPid int
		_, _ = f.Seek(0, 0)
		if _, scanErr := fmt.Fscanf(f, "%d", &oldPid); scanErr != nil {
			_ = f.Close()
			<-ticker.C
			f, _ = os.OpenFile(BotPIDFile, os.O_RDWR|os.O_CREATE, 0644)
			continue
		}

		if oldPid == os.Getpid() {
			break
		}

		process, procErr := os.FindProcess(oldPid)
		if procErr != nil {
			<-ticker.C
			continue
		}

		LogInfo(MsgBotKillingOld, oldPid)
		_ = process.Signal(syscall.SIGTERM)

		terminated := false
		timeout := time.After(5 * time.Second)
	waitLoop:
		for {
			select {
			case <-ticker.C:
				if err := process.Signal(syscall.Signal(0)); err != nil {
					terminated = true
					break waitLoop
				}
			case <-timeout:
				break waitLoop
			}
		}

		if !terminated {
			LogWarn(MsgBotStubbornOld, oldPid)
			_ = process.Signal(syscall.SIGKILL)

			killTimeout := time.After(2 * time.Second)
			killTicker := time.NewTicker(50 * time.Millisecond)
			defer killTicker.Stop()

		killWait:
			for {
				select {
				case <-killTicker.C:
					if err := process.Signal(syscall.Signal(0)); err != nil {
						break killWait
					}
				case <-killTimeout:
					LogWarn(MsgBotKillResistant, oldPid)
					break killWait
				}
			}
		}

		LogInfo(MsgBotOldTerminated)
	}

	// 6. We have the lock. Write our PID.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d", os.Getpid())
	_ = f.Sync()

	defer func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = os.Remove(BotPIDFile)
	}()

	// 7. Run bot (blocks until shutdown signal)
	if err := run(cfg, *silent, *skipReg, *clearAll); err != nil {
		LogFatal(MsgGenericError, err)
	}

	// 8. Handle Reboot
	if RestartRequested {
		LogInfo(MsgBotRestarting)
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		_ = os.Remove(BotPIDFile)

		args := os.Args
		if !slices.Contains(args, "-skip-reg") {
			args = append(args, "-skip-reg")
		}

		exePath, err := os.Executable()
		if err != nil {
			LogFatal(MsgBotStartPathFail, err)
		}

		err = syscall.Exec(exePath, args, os.Environ())
		if err != nil {
			LogFatal(MsgBotExecFail, err)
		}
	}
}

func run(cfg *Config, silent bool, skipReg bool, clearAll bool) error {
	// 1. Setup global context that responds to shutdown signals
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)

	// Add SIGUSR1 handler for goroutine dumping
	safeGo(func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGUSR1)
		for range sigChan {
			LogInfo(MsgSignalDumpParams)
			f, err := os.Create("goroutines.txt")
			if err != nil {
				LogError(MsgSignalDumpCreateFail, err)
				continue
			}
			buf := make([]byte, 1<<20)
			length := runtime.Stack(buf, true)
			f.Write(buf[:length])
			f.Close()
			LogInfo(MsgSignalDumpSuccess)
		}
	})

	SetAppContext(ctx)

	// 2. Create disgo client with retries for network resilience
	var client bot.Client
	var err error
	for i := 1; i <= 5; i++ {
		client, err = CreateClient(ctx, cfg)
		if err == nil {
			break
		}
		if i == 5 {
			return fmt.Errorf(MsgBotClientCreateFail, i, err)
		}
		LogWarn(MsgBotClientRetry, i, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	defer client.Close(ctx)

	// 3. Wire the music subsystem (resolver, cache dir, player registry)
	if err := InitMusicSystem(ctx, &client, cfg); err != nil {
		return err
	}

	// 4. Command Registration
	if !skipReg {
		if err := RegisterCommands(client, cfg.GuildID, clearAll); err != nil {
			LogError(MsgBotRegisterFail, err)
		}
	} else {
		LogInfo(MsgBotSkipReg)
	}

	// 5. Connect to Gateway
	if err := client.OpenGateway(ctx); err != nil {
		return fmt.Errorf(MsgBotGatewayFail, err)
	}

	<-ctx.Done()
	if !silent {
		fmt.Println()
	}

	LogInfo(MsgDaemonShutdown)
	ShutdownDaemons(context.Background())
	ShutdownMusicSystem(context.Background())

	LogInfo(MsgBotShutdown, GetProjectName())

	return nil
}
