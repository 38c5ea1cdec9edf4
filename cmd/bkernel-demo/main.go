// Command bkernel-demo boots the reactor kernel against the simulated
// peripherals in internal/devsim and internal/simio and runs until
// interrupted. It is an external harness around the core packages, not
// part of the ROM-resident kernel those packages model: the core packages
// never parse flags or touch os.Args, only this demo binary does.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/rasendubi/bkernel"
	"github.com/rasendubi/bkernel/bytechannel"
	"github.com/rasendubi/bkernel/internal/devsim"
	"github.com/rasendubi/bkernel/internal/logging"
	"github.com/rasendubi/bkernel/internal/simio"
	"github.com/rasendubi/bkernel/reactor"
)

func main() {
	var (
		verbose     = flag.Bool("v", false, "verbose output")
		rngInterval = flag.Duration("rng-interval", 50*time.Millisecond, "RNG sample interval")
		i2cLatency  = flag.Duration("i2c-latency", time.Millisecond, "simulated I2C transaction latency")
		pollEvery   = flag.Duration("sensor-poll", 500*time.Millisecond, "HTU21D poll interval")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := bkernel.DefaultBoardConfig()
	r := reactor.New()

	metrics := bkernel.NewMetrics()
	observer := bkernel.NewMetricsObserver(metrics)
	r.SetObserver(observer)

	rng := devsim.New(r, *rngInterval)
	rng.Enable()
	rng.Start()
	defer rng.Stop()

	i2cBus := devsim.NewI2CBus(r, *i2cLatency)
	i2cBus.SetObserver(observer)
	i2cBus.Start()
	defer i2cBus.Stop()

	sensor := devsim.NewHTU21D()
	i2cBus.RegisterDevice(devsim.HTU21DAddress, sensor)

	atResponder := devsim.NewATResponder(0, time.Millisecond)
	atChannel := bytechannel.New(r, atResponder, cfg.ATResponderWriterCapacity, cfg.ATResponderReaderCapacity)
	atChannel.SetObserver(observer)
	atResponder.Attach(atChannel)
	defer atResponder.Stop()

	logger.Info("bkernel-demo starting", "rng_interval", *rngInterval, "i2c_latency", *i2cLatency)

	uartFd, slavePath, err := simio.OpenPTY()
	var uart *simio.UART
	var uartChannel *bytechannel.Channel
	if err != nil {
		logger.Error("failed to open simulated UART pty, running without it", "err", err)
	} else {
		uart, err = simio.New(uartFd)
		if err != nil {
			logger.Error("failed to create UART ring", "err", err)
		} else {
			uartChannel = bytechannel.New(r, uart, cfg.UARTWriterCapacity, cfg.UARTReaderCapacity)
			uartChannel.SetObserver(observer)
			if startErr := <-uart.Attach(uartChannel); startErr != nil {
				logger.Error("failed to start UART loop", "err", startErr)
				uart = nil
			} else {
				logger.Info("simulated UART ready", "slave", slavePath)
				defer uart.Stop()
			}
		}
	}

	if uartChannel != nil {
		echo := reactor.NewPump(uartChannel, uartChannel.Source())
		r.Register(0, reactor.StepFunc(func() reactor.Outcome {
			outcome := echo.Poll()
			if outcome != reactor.Pending {
				logger.Debug("echo task finished", "outcome", outcome.String())
			}
			return reactor.Pending // keep echoing; Done/Failed would vacate the slot
		}))
	}

	registerATTask(r, atChannel, logger)
	registerSensorTask(r, i2cBus, sensor, *pollEvery, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n=== END ===\n\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)

			snap := metrics.Snapshot()
			logger.Info("metrics snapshot",
				"tasks_polled", snap.TasksPolled,
				"tasks_done", snap.TasksDone,
				"tasks_failed", snap.TasksFailed,
				"stale_wakeups", snap.StaleWakeups,
				"mutex_contended", snap.MutexContended,
				"mutex_acquired", snap.MutexAcquired,
				"promises_resolved", snap.PromisesResolved,
				"bytes_transferred", snap.BytesTransferred,
				"bytes_dropped", snap.BytesDropped,
				"avg_i2c_latency_ns", snap.AvgLatencyNs,
			)
		}
	}()

	done := make(chan struct{})
	go r.RunForever(done)

	<-sigCh
	logger.Info("received shutdown signal")
	close(done)
}

func registerATTask(r *reactor.Reactor, ch *bytechannel.Channel, logger *logging.Logger) {
	writer := reactor.NewWriteAllString(ch, "AT\r\n")
	taker := reactor.NewTakeUntil(ch.Source(), 64, "\r\nOK\r\n", "\r\nERROR\r\n")
	writeDone := false

	r.Register(1, reactor.StepFunc(func() reactor.Outcome {
		if !writeDone {
			outcome := writer.Poll()
			if outcome != reactor.Done {
				return outcome
			}
			writeDone = true
		}
		outcome := taker.Poll()
		if outcome == reactor.Done {
			_, matched := taker.Result()
			logger.Info("AT responder replied", "match", string(matched))
		}
		return outcome
	}))
}

func registerSensorTask(r *reactor.Reactor, bus *devsim.I2CBus, sensor *devsim.HTU21D, interval time.Duration, logger *logging.Logger) {
	var step *devsim.I2CTransferStep
	var transfer *devsim.I2CTransfer
	var cmdPromise *reactor.Promise[devsim.Result]
	var readPromise *reactor.Promise[devsim.Result]
	nextPoll := time.Now()

	r.Register(2, reactor.StepFunc(func() reactor.Outcome {
		if step == nil {
			if time.Now().Before(nextPoll) {
				return reactor.Pending
			}
			step = bus.StartTransfer(r)
		}
		if transfer == nil {
			if step.Poll() != reactor.Done {
				return reactor.Pending
			}
			transfer = step.Transfer()
		}
		if cmdPromise == nil {
			cmdPromise = transfer.MasterTransmit(devsim.HTU21DAddress, []byte{0xE3})
		}
		if readPromise == nil {
			outcome, res := cmdPromise.Poll()
			if outcome != reactor.Done {
				return reactor.Pending
			}
			if res.Err != nil {
				logger.Error("sensor command failed", "err", res.Err)
				transfer.Stop()
				step, transfer, cmdPromise = nil, nil, nil
				nextPoll = time.Now().Add(interval)
				return reactor.Pending
			}
			readPromise = transfer.MasterReceive(devsim.HTU21DAddress, 2)
			return reactor.Pending
		}
		outcome, res := readPromise.Poll()
		if outcome != reactor.Done {
			return reactor.Pending
		}
		transfer.Stop()
		if res.Err == nil {
			logger.Info("sensor reading", "celsius", sensor.Celsius(), "humidity", sensor.Percent())
		} else {
			logger.Error("sensor read failed", "err", res.Err)
		}
		step, transfer, cmdPromise, readPromise = nil, nil, nil, nil
		nextPoll = time.Now().Add(interval)
		return reactor.Pending
	}))
}
