package store

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

func init() {
	gjson.AddModifier("object", modObject)
}

// modObject folds an array of objects into a single object keyed by one
// field of each element; the key field itself is dropped from the value.
// The arg selects the field, default "username":
//
//	users.#.{username,email,phone}|@object
//	items.#.{id,label}|@object:{"key":"id"}
//
// Elements without the key field are skipped. Non-arrays pass through.
func modObject(jsonStr, arg string) string {
	key := "username"
	if arg != "" {
		if k := gjson.Get(arg, "key"); k.Exists() {
			key = k.String()
		}
	}
	res := gjson.Parse(jsonStr)
	if !res.IsArray() {
		return jsonStr
	}
	out := map[string]any{}
	res.ForEach(func(_, el gjson.Result) bool {
		k := el.Get(key).String()
		if k == "" {
			return true
		}
		var value map[string]any
		if err := json.Unmarshal([]byte(el.Raw), &value); err != nil {
			return true
		}
		delete(value, key)
		out[k] = value
		return true
	})
	encoded, err := json.Marshal(out)
	if err != nil {
		return jsonStr
	}
	return string(encoded)
}
