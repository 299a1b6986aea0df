package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ConfigName is the only accepted name for the FleetAddonConfig object.
const ConfigName = "fleet-addon-config"

// FleetAddonConfigSpec defines the desired state of the addon provider.
type FleetAddonConfigSpec struct {
	// ClusterClass enables ClusterGroup creation from ClusterClass objects.
	// Leaving it unset disables the feature.
	// +optional
	ClusterClass *ClusterClassConfig `json:"clusterClass,omitempty"`

	// Cluster enables Fleet Cluster import from CAPI Cluster objects.
	// Leaving it unset disables the feature.
	// +optional
	Cluster *ClusterConfig `json:"cluster,omitempty"`

	// Config holds settings synced into the fleet-controller configuration.
	// +optional
	Config *FleetSettings `json:"config,omitempty"`

	// Install configures the Fleet chart installation.
	// +optional
	Install *FleetInstall `json:"install,omitempty"`
}

// ClusterClassConfig configures ClusterClass to ClusterGroup synchronization.
type ClusterClassConfig struct {
	// SetOwnerReferences copies the ClusterClass owner references onto the ClusterGroup.
	// +kubebuilder:default=true
	// +optional
	SetOwnerReferences *bool `json:"setOwnerReferences,omitempty"`

	// PatchResource updates existing ClusterGroups instead of only creating missing ones.
	// +kubebuilder:default=true
	// +optional
	PatchResource *bool `json:"patchResource,omitempty"`

	// Selector restricts which ClusterClasses are imported. Empty selects all.
	// +optional
	Selector metav1.LabelSelector `json:"selector,omitempty"`
}

// ClusterConfig configures CAPI Cluster to Fleet Cluster import.
type ClusterConfig struct {
	// ApplyClassGroup creates a ClusterGroup and BundleNamespaceMapping for
	// clusters referencing a ClusterClass in another namespace.
	// +kubebuilder:default=true
	// +optional
	ApplyClassGroup *bool `json:"applyClassGroup,omitempty"`

	// PatchResource updates existing Fleet Clusters instead of only creating missing ones.
	// +kubebuilder:default=true
	// +optional
	PatchResource *bool `json:"patchResource,omitempty"`

	// SetOwnerReferences makes the CAPI Cluster the owner of the Fleet Cluster.
	// +kubebuilder:default=true
	// +optional
	SetOwnerReferences *bool `json:"setOwnerReferences,omitempty"`

	// Naming controls the Fleet Cluster name.
	// +optional
	Naming *NamingStrategy `json:"naming,omitempty"`

	// AgentNamespace is the namespace the fleet agent runs in on the downstream cluster.
	// +kubebuilder:default="fleet-addon-agent"
	// +optional
	AgentNamespace string `json:"agentNamespace,omitempty"`

	// AgentTolerations are applied to the fleet agent deployment.
	// +optional
	AgentTolerations []corev1.Toleration `json:"agentTolerations,omitempty"`

	// HostNetwork runs the fleet agent with host networking.
	// +optional
	HostNetwork *bool `json:"hostNetwork,omitempty"`

	// AgentEnvVars are added to the fleet agent container.
	// +optional
	AgentEnvVars []corev1.EnvVar `json:"agentEnvVars,omitempty"`

	// AgentInitiated switches clusters to agent-initiated registration.
	// +optional
	AgentInitiated *bool `json:"agentInitiated,omitempty"`

	// NamespaceSelector imports every cluster in a matching namespace.
	// +optional
	NamespaceSelector metav1.LabelSelector `json:"namespaceSelector,omitempty"`

	// Selector imports every cluster with matching labels.
	// +optional
	Selector metav1.LabelSelector `json:"selector,omitempty"`
}

// NamingStrategy adds a prefix and/or suffix to imported cluster names.
type NamingStrategy struct {
	// +optional
	Prefix string `json:"prefix,omitempty"`
	// +optional
	Suffix string `json:"suffix,omitempty"`
}

// FleetSettings configures the fleet-controller.
type FleetSettings struct {
	// Server sets the API server URL and CA used by fleet agents.
	// +optional
	Server *Server `json:"server,omitempty"`

	// FeatureGates toggles experimental fleet features.
	// +optional
	FeatureGates *FeatureGates `json:"featureGates,omitempty"`
}

// Server selects where the API server settings come from. Exactly one field is expected.
type Server struct {
	// InferLocal reads the URL and CA from the local cluster.
	// +optional
	InferLocal *bool `json:"inferLocal,omitempty"`

	// Custom supplies the URL and CA explicitly.
	// +optional
	Custom *ServerConfig `json:"custom,omitempty"`
}

// ServerConfig is an explicit API server endpoint.
type ServerConfig struct {
	// APIServerCAConfigRef references a ConfigMap holding ca.crt.
	// +optional
	APIServerCAConfigRef *corev1.ObjectReference `json:"apiServerCaConfigRef,omitempty"`

	// APIServerURL is the URL agents connect to.
	// +optional
	APIServerURL string `json:"apiServerUrl,omitempty"`
}

// FeatureGates are passed to the fleet controller as environment variables.
type FeatureGates struct {
	// +kubebuilder:default=true
	ExperimentalOCIStorage bool `json:"experimentalOciStorage"`
	// +kubebuilder:default=true
	ExperimentalHelmOps bool `json:"experimentalHelmOps"`
}

// FleetInstall selects the Fleet chart version. Exactly one field is expected.
type FleetInstall struct {
	// FollowLatest upgrades to the newest chart release when true.
	// +optional
	FollowLatest *bool `json:"followLatest,omitempty"`

	// Version pins the chart version.
	// +optional
	Version string `json:"version,omitempty"`
}

// FleetAddonConfigStatus defines the observed state of the addon provider.
type FleetAddonConfigStatus struct {
	// InstalledVersion is the Fleet chart version currently installed.
	// +optional
	InstalledVersion string `json:"installedVersion,omitempty"`

	// Conditions represent the latest observations.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Cluster
// +kubebuilder:validation:XValidation:rule="self.metadata.name == 'fleet-addon-config'",message="FleetAddonConfig name must be fleet-addon-config"
// +kubebuilder:printcolumn:name="Installed",type=string,JSONPath=`.status.installedVersion`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// FleetAddonConfig is the Schema for the fleetaddonconfigs API.
type FleetAddonConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   FleetAddonConfigSpec   `json:"spec,omitempty"`
	Status FleetAddonConfigStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// FleetAddonConfigList contains a list of FleetAddonConfig.
type FleetAddonConfigList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []FleetAddonConfig `json:"items"`
}

// Condition types for FleetAddonConfig
const (
	// ConditionFleetInstalled indicates the fleet charts are installed at the desired version
	ConditionFleetInstalled = "FleetInstalled"
	// ConditionFlagsUpdate records the feature gates last applied to the fleet release
	ConditionFlagsUpdate = "FlagsUpdate"
	// ConditionConfigSynced indicates the fleet-controller configuration was updated
	ConditionConfigSynced = "ConfigSynced"
)

// ValidationRules are the CEL rules every FleetAddonConfig must satisfy.
var ValidationRules = []string{
	"self.metadata.name == 'fleet-addon-config'",
}
