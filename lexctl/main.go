package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/Guffawaffle/loquilex-connect/connect"
)

const LexCtlVersion = "0.1.0"

const defaultApiUrl = "http://127.0.0.1:8000"
const defaultWsUrl = "ws://127.0.0.1:8000/ws"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `LoquiLex control.

The default urls are:
    api_url: http://127.0.0.1:8000
    ws_url: ws://127.0.0.1:8000/ws

Usage:
    lexctl models [--api_url=<api_url>] [--jwt=<jwt>]
    lexctl hardware [--api_url=<api_url>] [--jwt=<jwt>]
    lexctl download <model_id> [--model_type=<model_type>]
        [--api_url=<api_url>] [--jwt=<jwt>]
    lexctl session-start --asr_model=<model_id>
        [--mt_model=<model_id>] [--dest_lang=<dest_lang>]
        [--api_url=<api_url>] [--jwt=<jwt>]
    lexctl session-stop <session_id> [--api_url=<api_url>] [--jwt=<jwt>]
    lexctl stream <session_id> [--ws_url=<ws_url>]
        [--message_count=<message_count>] [--jwt=<jwt>]
    lexctl token

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --jwt=<jwt>                      Session token from the backend.
    --model_type=<model_type>        asr or mt [default: asr].
    --asr_model=<model_id>
    --mt_model=<model_id>
    --dest_lang=<dest_lang>
    --message_count=<message_count>  Print this many messages then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LexCtlVersion)
	if err != nil {
		panic(err)
	}

	if models_, _ := opts.Bool("models"); models_ {
		models(opts)
	} else if hardware_, _ := opts.Bool("hardware"); hardware_ {
		hardware(opts)
	} else if download_, _ := opts.Bool("download"); download_ {
		download(opts)
	} else if sessionStart_, _ := opts.Bool("session-start"); sessionStart_ {
		sessionStart(opts)
	} else if sessionStop_, _ := opts.Bool("session-stop"); sessionStop_ {
		sessionStop(opts)
	} else if stream_, _ := opts.Bool("stream"); stream_ {
		stream(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func newApi(opts docopt.Opts) *connect.LexApi {
	apiUrl := defaultApiUrl
	if apiUrl_, err := opts.String("--api_url"); err == nil && apiUrl_ != "" {
		apiUrl = apiUrl_
	}
	api := connect.NewLexApi(apiUrl)
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		api.SetSessionJwt(jwt)
	}
	return api
}

func models(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	asrResult, err := api.AsrModelsSync(nil)
	if err != nil {
		Err.Printf("Could not list ASR models (%s).", err)
		os.Exit(1)
	}
	Out.Printf("ASR models:")
	for _, model := range asrResult.Models {
		installed := ""
		if model.Installed {
			installed = " [installed]"
		}
		Out.Printf("  %s  %s%s", model.ModelId, model.Name, installed)
	}

	mtResult, err := api.MtModelsSync(nil)
	if err != nil {
		Err.Printf("Could not list MT models (%s).", err)
		os.Exit(1)
	}
	Out.Printf("MT models:")
	for _, model := range mtResult.Models {
		installed := ""
		if model.Installed {
			installed = " [installed]"
		}
		Out.Printf("  %s  %s%s", model.ModelId, model.Name, installed)
	}
}

func hardware(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	result, err := api.HardwareSnapshotSync(nil)
	if err != nil {
		Err.Printf("Could not read hardware snapshot (%s).", err)
		os.Exit(1)
	}
	Out.Printf("cpu: %.1f%%", result.CpuPercent)
	Out.Printf("memory: %.1f%%", result.MemoryPercent)
	if result.GpuName != "" {
		Out.Printf("gpu: %s (%d / %d bytes)", result.GpuName, result.GpuMemUsed, result.GpuMemTotal)
	}
	Out.Printf("cuda: %t", result.CudaAvailable)
}

// starts a model download and polls status, using the compute channel
// for smoothed progress and eta
func download(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	modelId, _ := opts.String("<model_id>")
	modelType, _ := opts.String("--model_type")

	startResult, err := api.DownloadStartSync(&connect.DownloadStartArgs{
		ModelId:   modelId,
		ModelType: modelType,
	}, nil)
	if err != nil {
		Err.Printf("Could not start download (%s).", err)
		os.Exit(1)
	}
	if startResult.Error != nil {
		Err.Printf("Could not start download (%s).", startResult.Error.Message)
		os.Exit(1)
	}
	Out.Printf("download started: %s", startResult.JobId)

	computeChannel := connect.NewComputeChannelWithDefaults()
	defer computeChannel.Shutdown()

	for {
		statusResult, err := api.DownloadStatusSync(startResult.JobId, nil)
		if err != nil {
			Err.Printf("Could not read download status (%s).", err)
			os.Exit(1)
		}

		estimate, err := computeChannel.ComputeProgress([]connect.ProgressSample{
			{
				Timestamp: time.Now(),
				Progress:  statusResult.Progress,
			},
		}, 2, nil)
		if err != nil {
			Err.Printf("Could not smooth progress (%s).", err)
			os.Exit(1)
		}

		line := fmt.Sprintf("%s %.1f%%", statusResult.Status, 100*estimate.Progress)
		if estimate.HasEta {
			line += fmt.Sprintf(" (eta %s)", (time.Duration(estimate.EtaSeconds * float64(time.Second))).Round(time.Second))
		}
		Out.Printf("%s", line)

		switch statusResult.Status {
		case "done":
			return
		case "error", "cancelled":
			Err.Printf("Download failed (%s).", statusResult.Message)
			os.Exit(1)
		}

		time.Sleep(500 * time.Millisecond)
	}
}

func sessionStart(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	asrModelId, _ := opts.String("--asr_model")
	mtModelId, _ := opts.String("--mt_model")
	destLang, _ := opts.String("--dest_lang")

	result, err := api.SessionCreateSync(&connect.SessionCreateArgs{
		AsrModelId: asrModelId,
		MtEnabled:  mtModelId != "",
		MtModelId:  mtModelId,
		DestLang:   destLang,
	}, nil)
	if err != nil {
		Err.Printf("Could not create session (%s).", err)
		os.Exit(1)
	}
	if result.Error != nil {
		Err.Printf("Could not create session (%s).", result.Error.Message)
		os.Exit(1)
	}
	Out.Printf("%s", result.SessionId)
}

func sessionStop(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	sessionId, _ := opts.String("<session_id>")

	result, err := api.SessionStopSync(&connect.SessionStopArgs{
		SessionId: sessionId,
	}, nil)
	if err != nil {
		Err.Printf("Could not stop session (%s).", err)
		os.Exit(1)
	}
	Out.Printf("stopped: %t", result.Stopped)
}

// attach to a live session and print caption envelopes
func stream(opts docopt.Opts) {
	wsUrl := defaultWsUrl
	if wsUrl_, err := opts.String("--ws_url"); err == nil && wsUrl_ != "" {
		wsUrl = wsUrl_
	}
	sessionId, _ := opts.String("<session_id>")

	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}

	client := connect.NewSessionClientWithDefaults(wsUrl)
	defer client.Disconnect()
	client.SetSessionId(sessionId)

	done := make(chan struct{})
	doneOnce := sync.Once{}
	stopStream := func() {
		doneOnce.Do(func() {
			close(done)
		})
	}
	printedLock := sync.Mutex{}
	printed := 0
	finish := func() {
		printedLock.Lock()
		printed += 1
		reached := 0 < messageCount && messageCount <= printed
		printedLock.Unlock()
		if reached {
			stopStream()
		}
	}

	// partials repaint at most a few times per second
	partialSmoother := connect.NewValueSmoother(4, func(text string) {
		Out.Printf("... %s", text)
		finish()
	})
	defer partialSmoother.Cancel()

	dispatcher := connect.NewEnvelopeDispatcher()
	dispatcher.Register(connect.MessageTypeAsrPartial, func(envelope *connect.Envelope) {
		payload := &connect.AsrTextPayload{}
		if err := envelope.UnmarshalData(payload); err != nil {
			return
		}
		partialSmoother.Offer(payload.Text)
	})
	dispatcher.Register(connect.MessageTypeAsrFinal, func(envelope *connect.Envelope) {
		payload := &connect.AsrTextPayload{}
		if err := envelope.UnmarshalData(payload); err != nil {
			return
		}
		Out.Printf(">>> %s", payload.Text)
		finish()
	})
	dispatcher.Register(connect.MessageTypeMtFinal, func(envelope *connect.Envelope) {
		payload := &connect.MtTextPayload{}
		if err := envelope.UnmarshalData(payload); err != nil {
			return
		}
		Out.Printf("=== %s", payload.Text)
		finish()
	})
	dispatcher.Register(connect.MessageTypeSessionStopped, func(envelope *connect.Envelope) {
		Out.Printf("session stopped")
		stopStream()
	})

	client.SetOnMessage(dispatcher.Dispatch)
	client.SetOnStateChange(func(state connect.ConnectionState) {
		Err.Printf("connection %s", state)
	})

	if err := client.Connect(); err != nil {
		Err.Printf("Could not connect (%s).", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case <-stop:
	}
}

// reads a session token without echo and prints its claims
func token(opts docopt.Opts) {
	fd := int(os.Stdin.Fd())
	var jwt string
	if term.IsTerminal(fd) {
		fmt.Fprintf(os.Stderr, "Session token: ")
		tokenBytes, err := term.ReadPassword(fd)
		fmt.Fprintf(os.Stderr, "\n")
		if err != nil {
			Err.Printf("Could not read token (%s).", err)
			os.Exit(1)
		}
		jwt = strings.TrimSpace(string(tokenBytes))
	} else {
		var line string
		fmt.Fscanln(os.Stdin, &line)
		jwt = strings.TrimSpace(line)
	}

	sessionJwt, err := connect.ParseSessionJwtUnverified(jwt)
	if err != nil {
		Err.Printf("Invalid token (%s).", err)
		os.Exit(1)
	}
	Out.Printf("session_id: %s", sessionJwt.SessionId)
	Out.Printf("role: %s", sessionJwt.Role)
	if !sessionJwt.ExpiresAt.IsZero() {
		Out.Printf("expires: %s", sessionJwt.ExpiresAt.Format(time.RFC3339))
		Out.Printf("expired: %t", sessionJwt.IsExpired(time.Now()))
	}
}
