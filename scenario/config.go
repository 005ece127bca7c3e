package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/iti/qosim/mobility"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("finite", isFinite); err != nil {
		panic(err)
	}
	return v
}

// isFinite rejects NaN and the infinities, which gt/gte let through
func isFinite(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ErrBadConfig wraps every configuration validation failure
var ErrBadConfig = errors.New("scenario: invalid configuration")

// policy names accepted for the radio link
const (
	RangePolicyName  = "range"
	FadingPolicyName = "fading"
)

// LinkConfig describes a wired point-to-point link
type LinkConfig struct {
	Rate    float64 `json:"rate" yaml:"rate" validate:"finite,gt=0"`        // bits per second
	Latency float64 `json:"latency" yaml:"latency" validate:"finite,gte=0"` // seconds
}

// RadioConfig describes the wireless access link between the base station and the device
type RadioConfig struct {
	Policy    string  `json:"policy" yaml:"policy" validate:"oneof=range fading"`
	BaseDelay float64 `json:"basedelay" yaml:"basedelay" validate:"finite,gte=0"`
	PerMeter  float64 `json:"permeter" yaml:"permeter" validate:"finite,gte=0"`
	Rate      float64 `json:"rate" yaml:"rate" validate:"finite,gt=0"`
	MaxRange  float64 `json:"maxrange" yaml:"maxrange" validate:"finite,gt=0"`
	SoftRange float64 `json:"softrange" yaml:"softrange" validate:"finite,gte=0,ltefield=MaxRange"`
	Seed      uint64  `json:"seed" yaml:"seed"` // fading loss stream; 0 draws a process-wide rngstream
}

// Config holds everything needed to build and run one scenario.
// UESpeed and SimTime are the two parameters normally varied between runs.
type Config struct {
	Name    string  `json:"name" yaml:"name"`
	UESpeed float64 `json:"uespeed" yaml:"uespeed" validate:"finite,gte=0"` // m/s along +x
	SimTime float64 `json:"simtime" yaml:"simtime" validate:"finite,gt=0"`  // seconds

	UEStart mobility.Vec3 `json:"uestart" yaml:"uestart"`

	Internet LinkConfig  `json:"internet" yaml:"internet"`
	S1U      LinkConfig  `json:"s1u" yaml:"s1u"`
	Radio    RadioConfig `json:"radio" yaml:"radio"`

	DataRate   float64 `json:"datarate" yaml:"datarate" validate:"finite,gt=0"`        // bits per second
	PacketSize int     `json:"packetsize" yaml:"packetsize" validate:"gt=0,lte=65507"` // bytes
	SinkPort   uint16  `json:"sinkport" yaml:"sinkport" validate:"gt=0"`
	SinkStart  float64 `json:"sinkstart" yaml:"sinkstart" validate:"finite,gte=0"`
	GenStart   float64 `json:"genstart" yaml:"genstart" validate:"finite,gte=0"`
}

// DefaultConfig returns the reference scenario: the device starts 10 m from
// the base station and walks away from it at 3 m/s for 20 s, streaming 1 Mbps
// of 512 byte datagrams.  It leaves radio range after 10 s.
func DefaultConfig() Config {
	return Config{
		Name:     "qos-lte-streaming",
		UESpeed:  3.0,
		SimTime:  20.0,
		UEStart:  mobility.Vec3{X: 10},
		Internet: LinkConfig{Rate: 1e9, Latency: 0.010},
		S1U:      LinkConfig{Rate: 1e10, Latency: 0.0},
		Radio: RadioConfig{
			Policy:    RangePolicyName,
			BaseDelay: 0.001,
			PerMeter:  1.0 / 299792458.0,
			Rate:      1e8,
			MaxRange:  40,
			SoftRange: 30,
			Seed:      1,
		},
		DataRate:   1e6,
		PacketSize: 512,
		SinkPort:   8000,
		SinkStart:  1.0,
		GenStart:   2.0,
	}
}

// Validate checks the configuration, reporting the first offending field
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrBadConfig)
	}
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	start := cfg.UEStart
	for i, coord := range []float64{start.X, start.Y, start.Z} {
		if math.IsNaN(coord) || math.IsInf(coord, 0) {
			return fmt.Errorf("%w: Config.UEStart.%s must be a finite number", ErrBadConfig, "XYZ"[i:i+1])
		}
	}
	return nil
}

// Params flattens the parameters a report should carry
func (cfg *Config) Params() map[string]string {
	ff := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return map[string]string{
		"name":       cfg.Name,
		"ueSpeed":    ff(cfg.UESpeed),
		"simTime":    ff(cfg.SimTime),
		"dataRate":   ff(cfg.DataRate),
		"packetSize": strconv.Itoa(cfg.PacketSize),
		"policy":     cfg.Radio.Policy,
		"maxRange":   ff(cfg.Radio.MaxRange),
		"seed":       strconv.FormatUint(cfg.Radio.Seed, 10),
	}
}

// WriteToFile stores the configuration, formatted by the file extension
func (cfg *Config) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(*cfg)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*cfg, "", "\t")
	default:
		return fmt.Errorf("scenario: config file %s must end in .yaml or .json", filename)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0644)
}

// ReadConfig reads a configuration file, yaml or json by extension, on top of
// DefaultConfig so a file need only name what it changes.
func ReadConfig(filename string, dict []byte) (*Config, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	ext := path.Ext(filename)
	switch {
	case slices.Contains([]string{".yaml", ".YAML", ".yml"}, ext):
		err = yaml.Unmarshal(dict, &cfg)
	case slices.Contains([]string{".json", ".JSON"}, ext):
		err = json.Unmarshal(dict, &cfg)
	default:
		return nil, fmt.Errorf("scenario: config file %s must end in .yaml or .json", filename)
	}
	if err != nil {
		return nil, fmt.Errorf("scenario: reading %s: %w", filename, err)
	}
	return &cfg, nil
}

// formatValidationError turns validator output into an ErrBadConfig naming the field
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return fmt.Errorf("%w: %v", ErrBadConfig, err)
	}

	e := validationErrs[0]
	field := e.Namespace()
	switch e.Tag() {
	case "finite":
		return fmt.Errorf("%w: %s must be a finite number", ErrBadConfig, field)
	case "gt":
		return fmt.Errorf("%w: %s must be greater than %s", ErrBadConfig, field, e.Param())
	case "gte":
		return fmt.Errorf("%w: %s must be at least %s", ErrBadConfig, field, e.Param())
	case "lte":
		return fmt.Errorf("%w: %s must not exceed %s", ErrBadConfig, field, e.Param())
	case "ltefield":
		return fmt.Errorf("%w: %s must not exceed %s", ErrBadConfig, field, e.Param())
	case "oneof":
		return fmt.Errorf("%w: %s must be one of [%s]", ErrBadConfig, field, e.Param())
	default:
		return fmt.Errorf("%w: %s failed %s", ErrBadConfig, field, e.Tag())
	}
}
