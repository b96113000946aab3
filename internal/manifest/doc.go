// Package manifest renders the Deployment and NodePort Service that serve one
// model on one node, plus an optional ServiceMonitor.
//
// Names follow a fixed scheme that the rest of the provisioner parses back:
// the service is "<model>-<node>", the deployment "<model>-<node>-deployment",
// and both carry the label app=<model>-<node>.
package manifest
