package jenkins

import "context"

// DoRequest exports doRequest for the external jenkins_test package
func (c *Client) DoRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	return c.doRequest(ctx, method, path, body)
}

// ParseQueueID exports parseQueueID for the external jenkins_test package
var ParseQueueID = parseQueueID
