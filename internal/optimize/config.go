package optimize

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidConfig = errors.New("invalid optimization config")

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	MeshPath      string  `json:"mesh_path" yaml:"mesh" validate:"required,file"`
	SolverPath    string  `json:"solver_path" yaml:"solver" validate:"required,file"`
	Threshold     float64 `json:"stress_limit" yaml:"stress_limit" validate:"gt=0"`
	MaxIterations int     `json:"max_iterations" yaml:"max_iterations" validate:"gte=1"`
	CPUs          int     `json:"ncpu" yaml:"ncpu" validate:"gte=1"`
	Memory        int     `json:"memory,omitempty" yaml:"memory,omitempty" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Threshold:     50,
		MaxIterations: 20,
		CPUs:          16,
	}
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %v", ErrInvalidConfig, msgs)
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
