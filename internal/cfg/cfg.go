package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/lmlabs-api/internal/authkey"
	"github.com/keithlinneman/lmlabs-api/internal/log"
)

// EnvPrefix is prepended to every env var, flag "http-port" reads LMAPI_HTTP_PORT.
const EnvPrefix = "LMAPI_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort        int
	AdminPort       int
	TrustedHops     int
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	DrainDelay      time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	AuthOptional bool
	JWTIssuer    string
	JWTAudience  string
	JWTLeeway    time.Duration
	// JWTAlgorithms is a comma list; empty accepts the authorizer defaults.
	JWTAlgorithms string

	AuthKeySource   string
	AuthSecret      string
	AuthKeySSMParam string
	AuthKeyS3Bucket string
	AuthKeyS3Key    string
	AuthKeyKMSID    string

	RateLimitRPS     float64
	RateLimitBurst   int
	RateLimitMaxKeys int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error|critical")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error|critical")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of the server whose X-Forwarded-For is trusted (0..8)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "request body cap in bytes, 0 disables")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 20*time.Second, "max time to drain in-flight requests")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 5*time.Second, "time between failing readiness and closing listeners")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.AuthOptional, "auth-optional", false, "let requests without a bearer token through as anonymous")
	fs.StringVar(&c.JWTIssuer, "jwt-issuer", "", "required iss claim, empty skips the check")
	fs.StringVar(&c.JWTAudience, "jwt-audience", "", "required aud claim, empty skips the check")
	fs.DurationVar(&c.JWTLeeway, "jwt-leeway", 30*time.Second, "clock skew allowed on exp/nbf/iat")
	fs.StringVar(&c.JWTAlgorithms, "jwt-algorithms", "", "comma separated signing algorithms to accept")

	fs.StringVar(&c.AuthKeySource, "auth-key-source", authkey.KindSSM, "none|static|ssm|s3|kms")
	fs.StringVar(&c.AuthSecret, "auth-secret", "", "HMAC secret for auth-key-source=static (prefer the env var)")
	fs.StringVar(&c.AuthKeySSMParam, "auth-key-ssm-param", "/app/lmlabs-api/server/auth/jwt-secret", "SecureString parameter holding the HMAC secret")
	fs.StringVar(&c.AuthKeyS3Bucket, "auth-key-s3-bucket", "", "bucket holding the PEM public key")
	fs.StringVar(&c.AuthKeyS3Key, "auth-key-s3-key", "", "object key of the PEM public key")
	fs.StringVar(&c.AuthKeyKMSID, "auth-key-kms-id", "", "KMS key id, ARN or alias whose public key verifies tokens")

	fs.Float64Var(&c.RateLimitRPS, "ratelimit-rps", 10, "per-caller refill rate, 0 disables rate limiting")
	fs.IntVar(&c.RateLimitBurst, "ratelimit-burst", 30, "per-caller bucket size")
	fs.IntVar(&c.RateLimitMaxKeys, "ratelimit-max-keys", 100_000, "max tracked callers, 0 is unbounded")
}

// JWTMethods splits JWTAlgorithms, dropping blanks.
func (c App) JWTMethods() []string {
	var out []string
	for _, m := range strings.Split(c.JWTAlgorithms, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// KeyOptions maps the auth-key-* fields onto authkey.Options.
func (c App) KeyOptions() authkey.Options {
	return authkey.Options{
		Kind:     c.AuthKeySource,
		Secret:   c.AuthSecret,
		SSMParam: c.AuthKeySSMParam,
		S3Bucket: c.AuthKeyS3Bucket,
		S3Key:    c.AuthKeyS3Key,
		KMSKeyID: c.AuthKeyKMSID,
	}
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks every field and returns all problems joined, or nil.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_HOPS %d (must be 0..8)", c.TrustedHops))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_BYTES %d (must be >= 0)", c.MaxBodyBytes))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive (got %s)", c.ShutdownTimeout))
	}
	if c.DrainDelay < 0 || (c.ShutdownTimeout > 0 && c.DrainDelay >= c.ShutdownTimeout) {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must be >= 0 and shorter than SHUTDOWN_TIMEOUT (got %s)", c.DrainDelay))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.JWTLeeway < 0 || c.JWTLeeway > 5*time.Minute {
		errs = append(errs, fmt.Errorf("JWT_LEEWAY must be 0..5m (got %s)", c.JWTLeeway))
	}
	errs = append(errs, validateKeySource(c)...)

	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_RPS must be >= 0 (got %g)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_BURST must be >= 1 when rate limiting is on (got %d)", c.RateLimitBurst))
	}
	if c.RateLimitMaxKeys < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_MAX_KEYS must be >= 0 (got %d)", c.RateLimitMaxKeys))
	}

	return errors.Join(errs...)
}

func validateKeySource(c App) []error {
	switch c.AuthKeySource {
	case authkey.KindNone:
		if !c.AuthOptional {
			return []error{errors.New("AUTH_KEY_SOURCE=none requires AUTH_OPTIONAL=true, every token would be rejected")}
		}
	case authkey.KindStatic:
		if c.AuthSecret == "" {
			return []error{errors.New("AUTH_SECRET required when AUTH_KEY_SOURCE=static")}
		}
	case authkey.KindSSM:
		if c.AuthKeySSMParam == "" {
			return []error{errors.New("AUTH_KEY_SSM_PARAM required when AUTH_KEY_SOURCE=ssm")}
		}
	case authkey.KindS3:
		var errs []error
		if c.AuthKeyS3Bucket == "" {
			errs = append(errs, errors.New("AUTH_KEY_S3_BUCKET required when AUTH_KEY_SOURCE=s3"))
		}
		if c.AuthKeyS3Key == "" {
			errs = append(errs, errors.New("AUTH_KEY_S3_KEY required when AUTH_KEY_SOURCE=s3"))
		}
		return errs
	case authkey.KindKMS:
		if c.AuthKeyKMSID == "" {
			return []error{errors.New("AUTH_KEY_KMS_ID required when AUTH_KEY_SOURCE=kms")}
		}
	default:
		return []error{fmt.Errorf("invalid AUTH_KEY_SOURCE %q (must be none|static|ssm|s3|kms)", c.AuthKeySource)}
	}
	return nil
}
