// Package integration はプロパティに設定された外部API連携の値を解釈し、
// 実際にAPIを呼び出してJSONPathで値を取り出す。
package integration

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// keyAPIURL は連携値のAPI URLキー。
	keyAPIURL = "apiUrl"
	// keyJSONPath は連携値のJSONPathキー。
	keyJSONPath = "JSONPath"
	// DefaultHeaderKey はヘッダーキーが指定されない場合に使うヘッダー名。
	DefaultHeaderKey = "x-api-key"
)

// Value はプロパティの値。単純な値か外部API連携のどちらか一方を持つ。
type Value struct {
	// Simple は文字列・数値・真偽値などの単純な値。
	Simple any
	// Integration は外部API連携の設定。単純な値ならnil。
	Integration *Request
}

// IsIntegration は外部API連携の値かどうかを返す。
func (v Value) IsIntegration() bool {
	return v.Integration != nil
}

// ParseValue はプロパティの値を解釈する。
// "apiUrl"キーを持つオブジェクトは外部API連携として扱い、
// apiUrlとJSONPath以外で最初に現れたキーを認証ヘッダーとみなす。
func ParseValue(raw json.RawMessage) (Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Value{}, errors.New("値が空です")
	}
	if trimmed[0] != '{' {
		var simple any
		if err := json.Unmarshal(trimmed, &simple); err != nil {
			return Value{}, fmt.Errorf("値の解析に失敗: %w", err)
		}
		return Value{Simple: simple}, nil
	}

	fields, err := orderedStrings(trimmed)
	if err != nil {
		return Value{}, fmt.Errorf("値の解析に失敗: %w", err)
	}

	var (
		req    Request
		isAPI  bool
		header bool
	)
	for _, f := range fields {
		switch f.key {
		case keyAPIURL:
			req.APIURL = f.value
			isAPI = true
		case keyJSONPath:
			req.JSONPath = f.value
		default:
			if !header {
				req.HeaderKey = f.key
				req.HeaderValue = f.value
				header = true
			}
		}
	}
	if !isAPI {
		var simple any
		if err := json.Unmarshal(trimmed, &simple); err != nil {
			return Value{}, fmt.Errorf("値の解析に失敗: %w", err)
		}
		return Value{Simple: simple}, nil
	}
	return Value{Integration: &req}, nil
}

// field はオブジェクトの1つのキーと文字列値。
type field struct {
	key   string
	value string
}

// orderedStrings はJSONオブジェクトの最上位のキーを出現順に返す。
// 文字列以外の値は空文字列として扱う。
func orderedStrings(raw []byte) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	var fields []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("キーが文字列ではありません: %v", tok)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		var s string
		_ = json.Unmarshal(v, &s)
		fields = append(fields, field{key: key, value: s})
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return fields, nil
}
