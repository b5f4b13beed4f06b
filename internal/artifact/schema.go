package artifact

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// WorkflowDefinition 是 CRE workflow.yaml 的目标结构。
type WorkflowDefinition struct {
	Name        string    `yaml:"name" validate:"required,slug,max=64"`
	Version     string    `yaml:"version" validate:"required,max=32"`
	Description string    `yaml:"description,omitempty" validate:"max=512"`
	Triggers    []Trigger `yaml:"triggers" validate:"required,min=1,dive"`
	Steps       []Step    `yaml:"steps" validate:"required,min=1,dive"`
	Secrets     []string  `yaml:"secrets,omitempty" validate:"dive,required"`
}

// Trigger 描述工作流的触发方式。
type Trigger struct {
	Type     string `yaml:"type" validate:"required,oneof=cron http evm_log"`
	Schedule string `yaml:"schedule,omitempty" validate:"required_if=Type cron"`
	Chain    string `yaml:"chain,omitempty" validate:"required_if=Type evm_log"`
	Address  string `yaml:"address,omitempty" validate:"omitempty,eth_addr"`
	Event    string `yaml:"event,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// Step 描述工作流中的一个执行步骤。
type Step struct {
	ID        string            `yaml:"id" validate:"required,slug"`
	Type      string            `yaml:"type" validate:"required,oneof=http_fetch compute evm_read evm_write consensus notify"`
	Function  string            `yaml:"function,omitempty" validate:"required_if=Type compute"`
	URL       string            `yaml:"url,omitempty" validate:"required_if=Type http_fetch,omitempty,url"`
	Chain     string            `yaml:"chain,omitempty" validate:"required_if=Type evm_write"`
	Target    string            `yaml:"target,omitempty" validate:"omitempty,eth_addr"`
	Inputs    map[string]string `yaml:"inputs,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

var schemaValidator = newSchemaValidator()

func newSchemaValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	return v
}

// ParseWorkflow 严格解码 workflow.yaml，未知字段视为错误。
func ParseWorkflow(structuredText string) (*WorkflowDefinition, error) {
	decoder := yaml.NewDecoder(strings.NewReader(structuredText))
	decoder.KnownFields(true)

	var def WorkflowDefinition
	if err := decoder.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("workflow definition is empty")
		}
		return nil, err
	}
	return &def, nil
}

// ValidateSchema 校验 workflow.yaml 是否符合目标运行时的结构要求，
// 返回的 violations 可以直接拼入纠错提示词。
func ValidateSchema(structuredText string) (bool, []string) {
	if strings.TrimSpace(structuredText) == "" {
		return false, []string{"workflow definition is empty"}
	}

	def, err := ParseWorkflow(structuredText)
	if err != nil {
		return false, []string{"yaml: " + strings.TrimPrefix(err.Error(), "yaml: ")}
	}

	var violations []string
	if err := schemaValidator.Struct(def); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				violations = append(violations, describeFieldError(fe))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}
	violations = append(violations, checkSteps(def.Steps)...)

	return len(violations) == 0, violations
}

func describeFieldError(fe validator.FieldError) string {
	path := fe.Namespace()
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		path = path[idx+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: is required", path)
	case "required_if":
		return fmt.Sprintf("%s: is required when %s", path, strings.Replace(fe.Param(), " ", " is ", 1))
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s], got %q", path, fe.Param(), fmt.Sprint(fe.Value()))
	case "min":
		return fmt.Sprintf("%s: must contain at least %s item(s)", path, fe.Param())
	case "max":
		return fmt.Sprintf("%s: must be at most %s characters", path, fe.Param())
	case "eth_addr":
		return fmt.Sprintf("%s: must be a 0x-prefixed EVM address", path)
	case "url":
		return fmt.Sprintf("%s: must be an absolute URL", path)
	case "slug":
		return fmt.Sprintf("%s: must be lowercase letters, digits, '-' or '_'", path)
	default:
		return fmt.Sprintf("%s: failed %s validation", path, fe.Tag())
	}
}

// checkSteps 检查步骤之间的引用关系：ID 唯一、依赖存在且无环，
// compute 步骤必须引用随产物一起部署的函数文件。
func checkSteps(steps []Step) []string {
	var violations []string
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		if step.ID == "" {
			continue
		}
		if prev, ok := index[step.ID]; ok {
			violations = append(violations, fmt.Sprintf("steps[%d].id: duplicate id %q (first used by steps[%d])", i, step.ID, prev))
			continue
		}
		index[step.ID] = i
	}

	for i, step := range steps {
		if step.Type == "compute" && step.Function != "" && step.Function != FunctionFileName {
			violations = append(violations, fmt.Sprintf("steps[%d].function: must reference %s", i, FunctionFileName))
		}
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				violations = append(violations, fmt.Sprintf("steps[%d].depends_on: unknown step %q", i, dep))
			} else if dep == step.ID {
				violations = append(violations, fmt.Sprintf("steps[%d].depends_on: step depends on itself", i))
			}
		}
	}

	if cycle := findCycle(steps, index); len(cycle) > 0 {
		violations = append(violations, fmt.Sprintf("steps: dependency cycle %s", strings.Join(cycle, " -> ")))
	}
	return violations
}

func findCycle(steps []Step, index map[string]int) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(index))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		path = append(path, id)
		for _, dep := range steps[index[id]].DependsOn {
			if _, ok := index[dep]; !ok || dep == id {
				continue
			}
			switch state[dep] {
			case visiting:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				return append(cycle, dep)
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
