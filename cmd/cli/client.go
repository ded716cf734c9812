// Copyright 2026 fanjia1024
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

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("OPS_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

// do 发送请求并按期望状态码解析结果
func do(method, path string, body interface{}, want int) (map[string]interface{}, error) {
	var out map[string]interface{}
	req := newClient().R().SetResult(&out).SetError(&out)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != want {
		return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), resp.String())
	}
	return out, nil
}

func publishEvent(source, detailType string, detail json.RawMessage, bus string) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"source":      source,
		"detail-type": detailType,
		"detail":      detail,
	}
	if bus != "" {
		body["bus"] = bus
	}
	return do(http.MethodPost, "/api/events", body, http.StatusAccepted)
}

func startWorkflow(name string, input json.RawMessage) (map[string]interface{}, error) {
	return do(http.MethodPost, "/api/workflows/"+name+"/start", input, http.StatusAccepted)
}

func getExecution(id string) (map[string]interface{}, error) {
	return do(http.MethodGet, "/api/executions/"+id, nil, http.StatusOK)
}

func getExecutionTrace(id string) (map[string]interface{}, error) {
	return do(http.MethodGet, "/api/executions/"+id+"/trace", nil, http.StatusOK)
}

func stopExecution(id, cause string) (map[string]interface{}, error) {
	return do(http.MethodPost, "/api/executions/"+id+"/stop", map[string]string{"cause": cause}, http.StatusOK)
}

// completeTask 回调 token；服务端总是返回 200，accepted=false 表示 token 无效或已使用
func completeTask(token string, output json.RawMessage) (bool, error) {
	return callback(map[string]interface{}{"taskToken": token, "status": "success", "output": output})
}

func failTask(token, errName, cause string) (bool, error) {
	return callback(map[string]interface{}{"taskToken": token, "status": "failure", "error": errName, "cause": cause})
}

func callback(body map[string]interface{}) (bool, error) {
	out, err := do(http.MethodPost, "/event-callback", body, http.StatusOK)
	if err != nil {
		return false, err
	}
	accepted, _ := out["accepted"].(bool)
	return accepted, nil
}

func queueStats(name string) (map[string]interface{}, error) {
	return do(http.MethodGet, "/api/queues/"+name, nil, http.StatusOK)
}

func notifyObject(bucket, key string) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"detail": map[string]interface{}{
			"bucket": map[string]string{"name": bucket},
			"object": map[string]string{"key": key},
		},
	}
	return do(http.MethodPost, "/api/objects/notify", body, http.StatusAccepted)
}

func health() (map[string]interface{}, error) {
	return do(http.MethodGet, "/api/health", nil, http.StatusOK)
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
