// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

const lambdaService = "lambda"

// LambdaConfig configures the external backend.
type LambdaConfig struct {
	Region string

	// Endpoint overrides https://lambda.<region>.amazonaws.com.
	Endpoint string

	// ValidateCredentials calls STS GetCallerIdentity when the backend is created.
	ValidateCredentials bool

	// Credentials overrides the default AWS credential chain.
	Credentials aws.CredentialsProvider

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Lambda invokes a named AWS Lambda function with the bootstrap as its
// event. Invocations are asynchronous; the function's own timeout bounds
// the run.
type Lambda struct {
	awsCfg   aws.Config
	signer   *v4.Signer
	client   *http.Client
	endpoint string
	logger   *slog.Logger
}

// NewLambda loads AWS configuration and, when asked, checks that the
// credentials resolve to an identity.
func NewLambda(ctx context.Context, cfg LambdaConfig) (*Lambda, error) {
	if cfg.Region == "" {
		return nil, &perilerrors.ConfigError{Key: "lambda.region", Reason: "is required"}
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Credentials != nil {
		opts = append(opts, config.WithCredentialsProvider(cfg.Credentials))
	}

	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	awsCfg, err := config.LoadDefaultConfig(loadCtx, opts...)
	if err != nil {
		return nil, &perilerrors.ConfigError{Key: "lambda", Reason: "failed to load AWS configuration", Cause: err}
	}

	if cfg.ValidateCredentials {
		checkCtx, cancelCheck := context.WithTimeout(ctx, 5*time.Second)
		defer cancelCheck()
		if _, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(checkCtx, &sts.GetCallerIdentityInput{}); err != nil {
			return nil, &perilerrors.ConfigError{Key: "lambda", Reason: "AWS credential validation failed", Cause: err}
		}
	}

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://lambda.%s.amazonaws.com", cfg.Region)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Lambda{
		awsCfg:   awsCfg,
		signer:   v4.NewSigner(),
		client:   client,
		endpoint: endpoint,
		logger:   logger.With(slog.String("component", "executor"), slog.String("backend", lambdaService)),
	}, nil
}

// Name returns "lambda". Runs record the function name as their backend.
func (l *Lambda) Name() string { return lambdaService }

// Start sends an Event-type invocation to job.Target.
func (l *Lambda) Start(ctx context.Context, job Job) error {
	if job.Target == "" {
		return &perilerrors.ValidationError{Field: "executionBackendName", Message: "no function name"}
	}

	u := fmt.Sprintf("%s/2015-03-31/functions/%s/invocations", l.endpoint, url.PathEscape(job.Target))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(job.Bootstrap))
	if err != nil {
		return fmt.Errorf("building invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Amz-Invocation-Type", "Event")

	hash := sha256.Sum256(job.Bootstrap)
	payloadHash := hex.EncodeToString(hash[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	creds, err := l.awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return &perilerrors.ConfigError{Key: "lambda", Reason: "unable to resolve AWS credentials", Cause: err}
	}
	if err := l.signer.SignHTTP(ctx, creds, req, payloadHash, lambdaService, l.awsCfg.Region, time.Now()); err != nil {
		return fmt.Errorf("signing invoke request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return &perilerrors.TransientError{Service: lambdaService, Cause: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		l.logger.Debug("function invoked",
			slog.String(internallog.RunIDKey, job.RunID),
			slog.String("function", job.Target),
			slog.String("request_id", resp.Header.Get("X-Amzn-Requestid")))
		return nil
	}

	cause := fmt.Errorf("invoke %s: %s", job.Target, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &perilerrors.ConfigError{Key: "executionBackendName", Reason: fmt.Sprintf("function %q not found", job.Target), Cause: cause}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &perilerrors.TransientError{Service: lambdaService, StatusCode: resp.StatusCode, Cause: cause}
	default:
		return fmt.Errorf("lambda returned HTTP %d: %w", resp.StatusCode, cause)
	}
}
