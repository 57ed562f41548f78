package orchestrator

import "fmt"

// buildSetVariableValueRequest renders the outbound command frame for
// pushing a single variable value to every Connected Instance.
func buildSetVariableValueRequest(id, value string) []byte {
	return []byte(fmt.Sprintf("<SetVariableValueRequest ID=\"%s\">%s</SetVariableValueRequest>\r\n", id, value))
}

// buildEvaluateManualMessagingRuleRequest renders the outbound command frame
// for triggering a manual messaging rule on every Connected Instance.
func buildEvaluateManualMessagingRuleRequest(id string) []byte {
	return []byte(fmt.Sprintf("<EvaluateManualMessagingRuleRequest ID=\"%s\"/>\r\n", id))
}
