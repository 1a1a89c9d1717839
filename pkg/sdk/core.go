package sdk

import (
	"context"
	"crypto/md5" // #nosec G501 -- exposed as a non-cryptographic digest operation
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/liliang-cn/markflow/pkg/expr"
	"github.com/liliang-cn/markflow/pkg/flowerr"
)

// coreClient implements the always-available core tool: value assignment,
// transforms, formatting, digests, and array/object helpers.
type coreClient struct{}

func newCoreClient() *coreClient { return &coreClient{} }

// CallAction implements Client.
func (c *coreClient) CallAction(_ context.Context, path string, inputs map[string]any) (any, error) {
	switch path {
	case "set":
		return inputs["value"], nil
	case "transform":
		return c.transform(inputs)
	case "format":
		return c.format(inputs)
	case "crypto.md5", "crypto.sha256", "crypto.uuid", "crypto.base64_encode", "crypto.base64_decode":
		return c.crypto(strings.TrimPrefix(path, "crypto."), inputs)
	case "array.first", "array.last", "array.flatten", "array.unique", "array.sort", "array.reverse":
		return c.array(strings.TrimPrefix(path, "array."), inputs)
	case "object.keys", "object.values", "object.merge", "object.pick", "object.omit":
		return c.object(strings.TrimPrefix(path, "object."), inputs)
	}
	return nil, flowerr.Newf(flowerr.KindUnsupportedCapability, "core has no operation %q", path).WithService("core")
}

func invalidInput(format string, args ...any) error {
	return flowerr.Newf(flowerr.KindInvalidConfig, format, args...).WithService("core")
}

func (c *coreClient) transform(inputs map[string]any) (any, error) {
	op, _ := inputs["operation"].(string)
	value := inputs["value"]
	switch op {
	case "upper":
		return strings.ToUpper(fmt.Sprint(value)), nil
	case "lower":
		return strings.ToLower(fmt.Sprint(value)), nil
	case "trim":
		return strings.TrimSpace(fmt.Sprint(value)), nil
	case "parse_json":
		var out any
		if err := json.Unmarshal([]byte(fmt.Sprint(value)), &out); err != nil {
			return nil, invalidInput("parse_json: %v", err)
		}
		return out, nil
	case "to_json":
		data, err := json.Marshal(value)
		if err != nil {
			return nil, invalidInput("to_json: %v", err)
		}
		return string(data), nil
	}
	return nil, invalidInput("unknown transform operation %q", op)
}

// format interpolates a template against the provided values map.
func (c *coreClient) format(inputs map[string]any) (any, error) {
	template, ok := inputs["template"].(string)
	if !ok {
		return nil, invalidInput("format requires a string template")
	}
	values, _ := inputs["values"].(map[string]any)
	return expr.ResolveString(template, expr.MapScope(values))
}

func (c *coreClient) crypto(op string, inputs map[string]any) (any, error) {
	value := fmt.Sprint(inputs["value"])
	switch op {
	case "md5":
		sum := md5.Sum([]byte(value)) // #nosec G401
		return hex.EncodeToString(sum[:]), nil
	case "sha256":
		sum := sha256.Sum256([]byte(value))
		return hex.EncodeToString(sum[:]), nil
	case "uuid":
		return uuid.NewString(), nil
	case "base64_encode":
		return base64.StdEncoding.EncodeToString([]byte(value)), nil
	case "base64_decode":
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, invalidInput("base64_decode: %v", err)
		}
		return string(decoded), nil
	}
	return nil, invalidInput("unknown crypto operation %q", op)
}

func (c *coreClient) array(op string, inputs map[string]any) (any, error) {
	items, ok := inputs["items"].([]any)
	if !ok {
		return nil, invalidInput("array.%s requires an items list", op)
	}
	switch op {
	case "first":
		if len(items) == 0 {
			return nil, nil
		}
		return items[0], nil
	case "last":
		if len(items) == 0 {
			return nil, nil
		}
		return items[len(items)-1], nil
	case "flatten":
		var out []any
		for _, item := range items {
			if nested, ok := item.([]any); ok {
				out = append(out, nested...)
			} else {
				out = append(out, item)
			}
		}
		return out, nil
	case "unique":
		seen := make(map[string]bool, len(items))
		out := make([]any, 0, len(items))
		for _, item := range items {
			key := fmt.Sprint(item)
			if !seen[key] {
				seen[key] = true
				out = append(out, item)
			}
		}
		return out, nil
	case "sort":
		out := make([]any, len(items))
		copy(out, items)
		sort.SliceStable(out, func(i, j int) bool {
			return fmt.Sprint(out[i]) < fmt.Sprint(out[j])
		})
		return out, nil
	case "reverse":
		out := make([]any, len(items))
		for i, item := range items {
			out[len(items)-1-i] = item
		}
		return out, nil
	}
	return nil, invalidInput("unknown array operation %q", op)
}

func (c *coreClient) object(op string, inputs map[string]any) (any, error) {
	obj, ok := inputs["object"].(map[string]any)
	if !ok {
		return nil, invalidInput("object.%s requires an object", op)
	}
	switch op {
	case "keys":
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	case "values":
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = obj[k]
		}
		return out, nil
	case "merge":
		other, _ := inputs["with"].(map[string]any)
		out := make(map[string]any, len(obj)+len(other))
		for k, v := range obj {
			out[k] = v
		}
		for k, v := range other {
			out[k] = v
		}
		return out, nil
	case "pick":
		keys := stringList(inputs["keys"])
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := obj[k]; ok {
				out[k] = v
			}
		}
		return out, nil
	case "omit":
		omit := make(map[string]bool)
		for _, k := range stringList(inputs["keys"]) {
			omit[k] = true
		}
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			if !omit[k] {
				out[k] = v
			}
		}
		return out, nil
	}
	return nil, invalidInput("unknown object operation %q", op)
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, len(x))
		for i, item := range x {
			out[i] = fmt.Sprint(item)
		}
		return out
	}
	return nil
}
