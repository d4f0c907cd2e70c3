package semconv

// Attribute keys attached to exported security events and pipeline spans.
const (
	AttrEventID      = "security.event.id"
	AttrEventType    = "security.event.type"
	AttrSeverity     = "security.severity"
	AttrAction       = "security.action"
	AttrSummary      = "security.summary"
	AttrAlertRaised  = "security.alert.raised"
	AttrMessageKind  = "secstream.message.kind"
	AttrMessageBytes = "secstream.message.bytes"

	AttrServiceName   = "service.name"
	AttrK8sPodName    = "k8s.pod.name"
	AttrK8sNamespace  = "k8s.namespace.name"
	AttrK8sNodeName   = "k8s.node.name"
	AttrProcessBinary = "process.executable.path"
)
