package client

import (
	"net/url"
	"strings"
)

// Param is a single query parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered list of query parameters. Unlike url.Values it
// keeps insertion order, so "addToCart=&productid=7" is sent exactly as
// built.
type Params []Param

// P builds Params from alternating keys and values. A trailing key
// without a value gets an empty value.
func P(kv ...string) Params {
	params := make(Params, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		p := Param{Key: kv[i]}
		if i+1 < len(kv) {
			p.Value = kv[i+1]
		}
		params = append(params, p)
	}
	return params
}

// Get returns the first value for key, or "" if there is none.
func (p Params) Get(key string) string {
	for _, param := range p {
		if param.Key == key {
			return param.Value
		}
	}
	return ""
}

// Encode returns the parameters in "URL encoded" form in insertion order.
func (p Params) Encode() string {
	if len(p) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, param := range p {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(param.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(param.Value))
	}
	return sb.String()
}
