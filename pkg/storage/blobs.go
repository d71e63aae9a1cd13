package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blobfront/pkg/logger"
	"blobfront/pkg/rest"
	"blobfront/pkg/router"
)

// BlobsID is the registry id of the built-in blob storage service.
const BlobsID = "blobs"

const defaultOpTimeout = 30 * time.Second

func init() {
	Register(BlobsID, newBlobService)
}

// blobService implements the blob CRUD surface on top of a Router. Uploads
// stream the request body straight into the router while the digest is
// computed on the fly; downloads stream the router's reader out through the
// response pool.
type blobService struct {
	router     router.Router
	responses  responseSubmitter
	digestAlgo string
	opTimeout  time.Duration
	started    int32
	handled    *prometheus.CounterVec
}

// responseSubmitter is the slice of dispatch.ResponseHandler the service
// uses.
type responseSubmitter interface {
	SubmitResponse(req rest.Request, rc rest.ResponseChannel, body io.ReadCloser, failure error) error
}

func newBlobService(deps Deps) (Service, error) {
	if deps.Router == nil {
		return nil, errors.New("blob service needs a router")
	}
	if deps.Responses == nil {
		return nil, errors.New("blob service needs a response handler")
	}
	if deps.DigestAlgorithm != "" && !rest.DigestSupported(deps.DigestAlgorithm) {
		return nil, fmt.Errorf("digest algorithm %q is not supported", deps.DigestAlgorithm)
	}
	timeout := deps.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &blobService{
		router:     deps.Router,
		responses:  deps.Responses,
		digestAlgo: deps.DigestAlgorithm,
		opTimeout:  timeout,
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobfront_storage_requests_total",
			Help: "Storage service requests by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
	if deps.Registry != nil {
		deps.Registry.MustRegister(s.handled)
	}
	return s, nil
}

func (s *blobService) Start() error {
	if atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		logger.Info("storage_started", "service", BlobsID, "digest", s.digestAlgo)
	}
	return nil
}

func (s *blobService) Stop() error {
	if atomic.CompareAndSwapInt32(&s.started, 1, 0) {
		logger.Info("storage_stopped", "service", BlobsID)
	}
	return nil
}

func (s *blobService) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// blobID resolves the blob id, preferring the args entry set by the
// transport mux and falling back to the last path segment.
func blobID(req rest.Request) string {
	if id := argString(req.Args(), rest.ArgBlobID); id != "" {
		return id
	}
	parts := strings.Split(strings.Trim(req.Path(), "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-1]
}

// finish hands the response to the response pool, falling back to inline
// completion when the pool rejects it. After finish returns the service no
// longer owns req, rc or body.
func (s *blobService) finish(op string, req rest.Request, rc rest.ResponseChannel, body io.ReadCloser, failure error) {
	outcome := "ok"
	if failure != nil {
		outcome = "error"
	}
	s.handled.WithLabelValues(op, outcome).Inc()
	if err := s.responses.SubmitResponse(req, rc, body, failure); err != nil {
		logger.Warn("response_submit_rejected", "op", op, "error", err.Error())
		if failure == nil {
			failure = err
		}
		rc.OnComplete(failure)
		if body != nil {
			_ = body.Close()
		}
		if req != nil {
			_ = req.Close()
		}
	}
}

func writeBlobHeaders(rc rest.ResponseChannel, props router.BlobProperties) {
	_ = rc.SetHeader(rest.HeaderBlobID, props.ID)
	_ = rc.SetHeader(rest.HeaderContentLength, strconv.FormatInt(props.Size, 10))
	if props.ContentType != "" {
		_ = rc.SetHeader(rest.HeaderContentType, props.ContentType)
	}
	if props.CreatedTS != 0 {
		_ = rc.SetHeader(rest.HeaderCreationTime, time.Unix(0, props.CreatedTS).UTC().Format(time.RFC1123))
	}
	if props.Digest != "" {
		_ = rc.SetHeader(rest.HeaderDigest, props.Digest)
		_ = rc.SetHeader(rest.HeaderDigestAlgo, props.DigestAlgo)
	}
}

func (s *blobService) HandleGet(req rest.Request, rc rest.ResponseChannel) {
	req.Tracker().SetOperation("get")
	id := blobID(req)
	if id == "" {
		s.finish("get", req, rc, nil, fmt.Errorf("%w: missing blob id", rest.ErrRequestInvalid))
		return
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	props, body, err := s.router.GetBlob(ctx, id)
	if err != nil {
		s.finish("get", req, rc, nil, err)
		return
	}
	writeBlobHeaders(rc, props)
	_ = rc.SetStatus(http.StatusOK)
	req.Tracker().SetStatus(http.StatusOK)
	s.finish("get", req, rc, body, nil)
}

func (s *blobService) HandleHead(req rest.Request, rc rest.ResponseChannel) {
	req.Tracker().SetOperation("head")
	id := blobID(req)
	if id == "" {
		s.finish("head", req, rc, nil, fmt.Errorf("%w: missing blob id", rest.ErrRequestInvalid))
		return
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	props, err := s.router.GetBlobInfo(ctx, id)
	if err != nil {
		s.finish("head", req, rc, nil, err)
		return
	}
	writeBlobHeaders(rc, props)
	_ = rc.SetStatus(http.StatusOK)
	req.Tracker().SetStatus(http.StatusOK)
	s.finish("head", req, rc, nil, nil)
}

func (s *blobService) HandleDelete(req rest.Request, rc rest.ResponseChannel) {
	req.Tracker().SetOperation("delete")
	id := blobID(req)
	if id == "" {
		s.finish("delete", req, rc, nil, fmt.Errorf("%w: missing blob id", rest.ErrRequestInvalid))
		return
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.router.DeleteBlob(ctx, id); err != nil {
		s.finish("delete", req, rc, nil, err)
		return
	}
	_ = rc.SetStatus(http.StatusAccepted)
	req.Tracker().SetStatus(http.StatusAccepted)
	s.finish("delete", req, rc, nil, nil)
}

type readOutcome struct {
	n   int64
	err error
}

func (s *blobService) HandlePost(req rest.Request, rc rest.ResponseChannel) {
	req.Tracker().SetOperation("post")
	args := req.Args()
	declared := strings.ToLower(argString(args, rest.HeaderChecksum))
	if declared != "" && s.digestAlgo == "" {
		s.finish("post", req, rc, nil, fmt.Errorf("%w: checksum verification needs a digest algorithm", rest.ErrRequestInvalid))
		return
	}
	props := router.BlobProperties{
		ContentType: argString(args, rest.HeaderContentType),
		ServiceID:   argString(args, rest.HeaderServiceID),
		OwnerID:     argString(args, rest.HeaderOwnerID),
	}
	if s.digestAlgo != "" {
		if err := req.SetDigestAlgorithm(s.digestAlgo); err != nil {
			s.finish("post", req, rc, nil, err)
			return
		}
		props.DigestAlgo = s.digestAlgo
		props.Digest = declared
	}

	// The body is pushed by the transport; pipe it into the router so the
	// blob streams through without staging the whole payload here.
	pr, pw := io.Pipe()
	done := make(chan readOutcome, 1)
	err := req.ReadInto(pw, func(n int64, err error) {
		if err != nil {
			_ = pw.CloseWithError(err)
		} else {
			_ = pw.Close()
		}
		done <- readOutcome{n: n, err: err}
	})
	if err != nil {
		s.finish("post", req, rc, nil, err)
		return
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	id, putErr := s.router.PutBlob(ctx, props, pr)
	if putErr != nil {
		// Unblock the pump if the router bailed before reading to EOF.
		_ = pr.CloseWithError(putErr)
	}
	out := <-done
	if putErr == nil {
		putErr = out.err
	}
	if putErr != nil {
		s.finish("post", req, rc, nil, putErr)
		return
	}

	var computed string
	if sum, derr := req.Digest(); derr == nil && sum != nil {
		computed = hex.EncodeToString(sum)
	}
	if declared != "" && computed != declared {
		logger.Warn("blob_checksum_mismatch", "id", id, "declared", declared, "computed", computed)
		delCtx, delCancel := s.opCtx()
		if err := s.router.DeleteBlob(delCtx, id); err != nil {
			logger.Error("blob_checksum_cleanup_failed", "id", id, "error", err.Error())
		}
		delCancel()
		s.finish("post", req, rc, nil, fmt.Errorf("%w: body checksum mismatch", rest.ErrRequestInvalid))
		return
	}

	_ = rc.SetHeader("location", "/blobs/"+id)
	_ = rc.SetHeader(rest.HeaderBlobID, id)
	if computed != "" {
		_ = rc.SetHeader(rest.HeaderDigest, computed)
		_ = rc.SetHeader(rest.HeaderDigestAlgo, s.digestAlgo)
	}
	_ = rc.SetStatus(http.StatusCreated)
	req.Tracker().SetStatus(http.StatusCreated)
	s.finish("post", req, rc, nil, nil)
}
