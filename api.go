package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// query flag that routes a list call to the authoritative tier
// (read-your-writes) instead of the read-optimized fast tier
const consistencyParam = "consistency"
const consistencyStrong = "strong"

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

type ListRecordsCallback apiCallback[[]Record]
type RecordCallback apiCallback[Record]
type DeleteCallback apiCallback[*DeleteResult]

type DeleteResult struct {
	Message string `json:"message,omitempty"`
}

// AurumApi is the http client under the engine. Every read and write of every
// component goes through here, with the bearer jwt attached.
type AurumApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewAurumApi(apiUrl string) *AurumApi {
	return NewAurumApiWithContext(context.Background(), apiUrl)
}

func NewAurumApiWithContext(ctx context.Context, apiUrl string) *AurumApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &AurumApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to every call
func (self *AurumApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *AurumApi) Close() {
	self.cancel()
}

func (self *AurumApi) listUrl(collectionPath string, query url.Values, authoritative bool) string {
	if authoritative {
		query.Set(consistencyParam, consistencyStrong)
	}
	if 0 < len(query) {
		return fmt.Sprintf("%s/%s?%s", self.apiUrl, collectionPath, query.Encode())
	}
	return fmt.Sprintf("%s/%s", self.apiUrl, collectionPath)
}

func (self *AurumApi) ListRecords(collectionPath string, query url.Values, authoritative bool, callback ListRecordsCallback) {
	go get(
		self.ctx,
		self.listUrl(collectionPath, query, authoritative),
		self.byJwt,
		[]Record{},
		callback,
	)
}

func (self *AurumApi) ListRecordsSync(collectionPath string, query url.Values, authoritative bool) ([]Record, error) {
	return get(
		self.ctx,
		self.listUrl(collectionPath, query, authoritative),
		self.byJwt,
		[]Record{},
		NewNoopApiCallback[[]Record](),
	)
}

func (self *AurumApi) CreateRecord(collectionPath string, payload Record, callback RecordCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/%s", self.apiUrl, collectionPath),
		payload,
		self.byJwt,
		Record{},
		callback,
	)
}

func (self *AurumApi) CreateRecordSync(collectionPath string, payload Record) (Record, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/%s", self.apiUrl, collectionPath),
		payload,
		self.byJwt,
		Record{},
		NewNoopApiCallback[Record](),
	)
}

func (self *AurumApi) UpdateRecord(collectionPath string, id string, patch Record, callback RecordCallback) {
	go put(
		self.ctx,
		fmt.Sprintf("%s/%s/%s", self.apiUrl, collectionPath, id),
		patch,
		self.byJwt,
		Record{},
		callback,
	)
}

func (self *AurumApi) UpdateRecordSync(collectionPath string, id string, patch Record) (Record, error) {
	return put(
		self.ctx,
		fmt.Sprintf("%s/%s/%s", self.apiUrl, collectionPath, id),
		patch,
		self.byJwt,
		Record{},
		NewNoopApiCallback[Record](),
	)
}

func (self *AurumApi) DeleteRecord(collectionPath string, id string, callback DeleteCallback) {
	go del(
		self.ctx,
		fmt.Sprintf("%s/%s/%s", self.apiUrl, collectionPath, id),
		self.byJwt,
		&DeleteResult{},
		callback,
	)
}

func (self *AurumApi) DeleteRecordSync(collectionPath string, id string) (*DeleteResult, error) {
	return del(
		self.ctx,
		fmt.Sprintf("%s/%s/%s", self.apiUrl, collectionPath, id),
		self.byJwt,
		&DeleteResult{},
		NewNoopApiCallback[*DeleteResult](),
	)
}

func request[R any](ctx context.Context, method string, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
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

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		networkErr := &NetworkError{Cause: err}
		callback.Result(empty, networkErr)
		return empty, networkErr
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		err = classifyStatus(r.StatusCode, responseBodyBytes)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		networkErr := &NetworkError{Cause: err}
		callback.Result(result, networkErr)
		return result, networkErr
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

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "GET", url, nil, byJwt, result, callback)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "POST", url, args, byJwt, result, callback)
}

func put[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "PUT", url, args, byJwt, result, callback)
}

func del[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "DELETE", url, nil, byJwt, result, callback)
}
