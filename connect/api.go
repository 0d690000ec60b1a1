package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type HttpStatusError struct {
	StatusCode int
	Message    string
}

func (self *HttpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", self.StatusCode, self.Message)
}

// client errors other than timeout and rate limit do not retry
func statusError(statusCode int, message string) error {
	err := &HttpStatusError{
		StatusCode: statusCode,
		Message:    message,
	}
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return err
	}
	if 400 <= statusCode && statusCode < 500 {
		return NonRetryable(err)
	}
	return err
}

type LexApiSettings struct {
	RequestRetry    *RetrySettings
	LimiterSettings *ConcurrencyLimiterSettings
}

func DefaultLexApiSettings() *LexApiSettings {
	return &LexApiSettings{
		RequestRetry:    DefaultRetrySettings(),
		LimiterSettings: DefaultConcurrencyLimiterSettings(),
	}
}

// typed client for the captioning backend http api.
// every sync call runs through the shared concurrency limiter and the
// retry engine, so callers get bounded parallelism and backoff for free.
type LexApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	settings *LexApiSettings
	limiter  *ConcurrencyLimiter

	stateLock  sync.Mutex
	sessionJwt string
}

func NewLexApi(apiUrl string) *LexApi {
	return NewLexApiWithContext(context.Background(), apiUrl, DefaultLexApiSettings())
}

func NewLexApiWithContext(ctx context.Context, apiUrl string, settings *LexApiSettings) *LexApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &LexApi{
		ctx:      cancelCtx,
		cancel:   cancel,
		apiUrl:   apiUrl,
		settings: settings,
		limiter:  NewConcurrencyLimiter(settings.LimiterSettings),
	}
}

// this gets attached to api calls that need it. safe to call while
// requests are in flight
func (self *LexApi) SetSessionJwt(sessionJwt string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sessionJwt = sessionJwt
}

func (self *LexApi) jwt() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionJwt
}

func (self *LexApi) Close() {
	self.cancel()
}

func apiSync[R any](self *LexApi, token *CancelToken, op func() (R, error)) (R, error) {
	return ExecuteWithResult(self.limiter, func() (R, error) {
		return WithRetry(op, self.settings.RequestRetry, token)
	}, token)
}

type AsrModel struct {
	ModelId     string    `json:"model_id"`
	Name        string    `json:"name"`
	Installed   bool      `json:"installed"`
	SizeBytes   ByteCount `json:"size_bytes,omitempty"`
	Description string    `json:"description,omitempty"`
}

type AsrModelsCallback apiCallback[*AsrModelsResult]

type AsrModelsResult struct {
	Models []*AsrModel `json:"models"`
}

func (self *LexApi) AsrModels(callback AsrModelsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/models/asr", self.apiUrl),
		self.jwt(),
		&AsrModelsResult{},
		callback,
	)
}

func (self *LexApi) AsrModelsSync(token *CancelToken) (*AsrModelsResult, error) {
	return apiSync(self, token, func() (*AsrModelsResult, error) {
		return get(
			self.ctx,
			fmt.Sprintf("%s/models/asr", self.apiUrl),
			self.jwt(),
			&AsrModelsResult{},
			NewNoopApiCallback[*AsrModelsResult](),
		)
	})
}

type MtModel struct {
	ModelId   string   `json:"model_id"`
	Name      string   `json:"name"`
	Installed bool     `json:"installed"`
	Languages []string `json:"languages,omitempty"`
}

type MtModelsCallback apiCallback[*MtModelsResult]

type MtModelsResult struct {
	Models []*MtModel `json:"models"`
}

func (self *LexApi) MtModels(callback MtModelsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/models/mt", self.apiUrl),
		self.jwt(),
		&MtModelsResult{},
		callback,
	)
}

func (self *LexApi) MtModelsSync(token *CancelToken) (*MtModelsResult, error) {
	return apiSync(self, token, func() (*MtModelsResult, error) {
		return get(
			self.ctx,
			fmt.Sprintf("%s/models/mt", self.apiUrl),
			self.jwt(),
			&MtModelsResult{},
			NewNoopApiCallback[*MtModelsResult](),
		)
	})
}

type HardwareSnapshotCallback apiCallback[*HardwareSnapshotResult]

type HardwareSnapshotResult struct {
	CpuPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	GpuName       string    `json:"gpu_name,omitempty"`
	GpuMemUsed    ByteCount `json:"gpu_mem_used,omitempty"`
	GpuMemTotal   ByteCount `json:"gpu_mem_total,omitempty"`
	CudaAvailable bool      `json:"cuda_available"`
}

func (self *LexApi) HardwareSnapshot(callback HardwareSnapshotCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/hardware", self.apiUrl),
		self.jwt(),
		&HardwareSnapshotResult{},
		callback,
	)
}

func (self *LexApi) HardwareSnapshotSync(token *CancelToken) (*HardwareSnapshotResult, error) {
	return apiSync(self, token, func() (*HardwareSnapshotResult, error) {
		return get(
			self.ctx,
			fmt.Sprintf("%s/hardware", self.apiUrl),
			self.jwt(),
			&HardwareSnapshotResult{},
			NewNoopApiCallback[*HardwareSnapshotResult](),
		)
	})
}

type SessionCreateCallback apiCallback[*SessionCreateResult]

type SessionCreateArgs struct {
	AsrModelId string `json:"asr_model_id"`
	MtEnabled  bool   `json:"mt_enabled"`
	MtModelId  string `json:"mt_model_id,omitempty"`
	DestLang   string `json:"dest_lang,omitempty"`
	Device     string `json:"device,omitempty"`
}

type SessionCreateResult struct {
	SessionId string                    `json:"session_id"`
	Error     *SessionCreateResultError `json:"error,omitempty"`
}

type SessionCreateResultError struct {
	Message string `json:"message"`
}

func (self *LexApi) SessionCreate(sessionCreate *SessionCreateArgs, callback SessionCreateCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/sessions", self.apiUrl),
		sessionCreate,
		self.jwt(),
		&SessionCreateResult{},
		callback,
	)
}

func (self *LexApi) SessionCreateSync(sessionCreate *SessionCreateArgs, token *CancelToken) (*SessionCreateResult, error) {
	return apiSync(self, token, func() (*SessionCreateResult, error) {
		return post(
			self.ctx,
			fmt.Sprintf("%s/sessions", self.apiUrl),
			sessionCreate,
			self.jwt(),
			&SessionCreateResult{},
			NewNoopApiCallback[*SessionCreateResult](),
		)
	})
}

type SessionStopCallback apiCallback[*SessionStopResult]

type SessionStopArgs struct {
	SessionId string `json:"session_id"`
}

type SessionStopResult struct {
	Stopped bool `json:"stopped"`
}

func (self *LexApi) SessionStop(sessionStop *SessionStopArgs, callback SessionStopCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/sessions/%s/stop", self.apiUrl, sessionStop.SessionId),
		sessionStop,
		self.jwt(),
		&SessionStopResult{},
		callback,
	)
}

func (self *LexApi) SessionStopSync(sessionStop *SessionStopArgs, token *CancelToken) (*SessionStopResult, error) {
	return apiSync(self, token, func() (*SessionStopResult, error) {
		return post(
			self.ctx,
			fmt.Sprintf("%s/sessions/%s/stop", self.apiUrl, sessionStop.SessionId),
			sessionStop,
			self.jwt(),
			&SessionStopResult{},
			NewNoopApiCallback[*SessionStopResult](),
		)
	})
}

type DownloadStartCallback apiCallback[*DownloadStartResult]

type DownloadStartArgs struct {
	ModelId   string `json:"model_id"`
	ModelType string `json:"model_type"`
}

type DownloadStartResult struct {
	JobId string                    `json:"job_id"`
	Error *DownloadStartResultError `json:"error,omitempty"`
}

type DownloadStartResultError struct {
	Message string `json:"message"`
}

func (self *LexApi) DownloadStart(downloadStart *DownloadStartArgs, callback DownloadStartCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/models/download", self.apiUrl),
		downloadStart,
		self.jwt(),
		&DownloadStartResult{},
		callback,
	)
}

func (self *LexApi) DownloadStartSync(downloadStart *DownloadStartArgs, token *CancelToken) (*DownloadStartResult, error) {
	return apiSync(self, token, func() (*DownloadStartResult, error) {
		return post(
			self.ctx,
			fmt.Sprintf("%s/models/download", self.apiUrl),
			downloadStart,
			self.jwt(),
			&DownloadStartResult{},
			NewNoopApiCallback[*DownloadStartResult](),
		)
	})
}

type DownloadStatusCallback apiCallback[*DownloadStatusResult]

type DownloadStatusResult struct {
	JobId    string  `json:"job_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

func (self *LexApi) DownloadStatus(jobId string, callback DownloadStatusCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/models/download/%s", self.apiUrl, jobId),
		self.jwt(),
		&DownloadStatusResult{},
		callback,
	)
}

func (self *LexApi) DownloadStatusSync(jobId string, token *CancelToken) (*DownloadStatusResult, error) {
	return apiSync(self, token, func() (*DownloadStatusResult, error) {
		return get(
			self.ctx,
			fmt.Sprintf("%s/models/download/%s", self.apiUrl, jobId),
			self.jwt(),
			&DownloadStatusResult{},
			NewNoopApiCallback[*DownloadStatusResult](),
		)
	})
}

type DownloadCancelCallback apiCallback[*DownloadCancelResult]

type DownloadCancelArgs struct {
	JobId string `json:"job_id"`
}

type DownloadCancelResult struct {
	Cancelled bool `json:"cancelled"`
}

func (self *LexApi) DownloadCancel(downloadCancel *DownloadCancelArgs, callback DownloadCancelCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/models/download/%s/cancel", self.apiUrl, downloadCancel.JobId),
		downloadCancel,
		self.jwt(),
		&DownloadCancelResult{},
		callback,
	)
}

func (self *LexApi) DownloadCancelSync(downloadCancel *DownloadCancelArgs, token *CancelToken) (*DownloadCancelResult, error) {
	return apiSync(self, token, func() (*DownloadCancelResult, error) {
		return post(
			self.ctx,
			fmt.Sprintf("%s/models/download/%s/cancel", self.apiUrl, downloadCancel.JobId),
			downloadCancel,
			self.jwt(),
			&DownloadCancelResult{},
			NewNoopApiCallback[*DownloadCancelResult](),
		)
	})
}

func post[R any](ctx context.Context, url string, args any, sessionJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if sessionJwt != "" {
		auth := fmt.Sprintf("Bearer %s", sessionJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		err = statusError(r.StatusCode, strings.TrimSpace(string(responseBodyBytes)))
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, sessionJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if sessionJwt != "" {
		auth := fmt.Sprintf("Bearer %s", sessionJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		err = statusError(r.StatusCode, strings.TrimSpace(string(responseBodyBytes)))
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
