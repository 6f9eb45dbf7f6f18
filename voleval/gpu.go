package voleval

import (
	"errors"
	"fmt"

	"github.com/soypat/isomesh"
)

// GPUConfig configures the compute shader ray marcher.
type GPUConfig struct {
	March MarchConfig
	// InvocX is the compute shader's local work group size along X.
	InvocX int
	// MaxRaysPerDispatch bounds the number of rays submitted in a single dispatch.
	// Larger submissions are split into several dispatches.
	MaxRaysPerDispatch int
	// MaxWorkGroups is the work group count ceiling. If zero the GL implementation's limit is queried.
	MaxWorkGroups int
}

func (cfg GPUConfig) validate() error {
	if cfg.InvocX <= 0 {
		return errors.New("invalid compute InvocX")
	} else if cfg.MaxRaysPerDispatch < cfg.InvocX {
		return errors.New("MaxRaysPerDispatch must be at least InvocX")
	}
	return cfg.March.validate()
}

// checkWorkGroups returns a [*isomesh.LimitError] if a full dispatch would exceed the work group limit.
func (cfg GPUConfig) checkWorkGroups(limit int) error {
	nWorkX := (cfg.MaxRaysPerDispatch + cfg.InvocX - 1) / cfg.InvocX
	if limit > 0 && nWorkX > limit {
		return &isomesh.LimitError{Resource: "compute work group", Requested: nWorkX, Limit: limit}
	}
	return nil
}

// gpuRay is the std430 layout of a [Ray].
type gpuRay struct {
	Origin [3]float32
	Dir    [3]float32
	Rising float32
}

const marchShader = `#version 430
layout(local_size_x = %d, local_size_y = 1, local_size_z = 1) in;

layout(std430, binding = 0) buffer VolumeBuffer {
	float vol[];
};

struct ray {
	float ox, oy, oz;
	float dx, dy, dz;
	float rising;
};

layout(std430, binding = 1) buffer RayBuffer {
	ray rays[];
};

layout(std430, binding = 2) buffer HitBuffer {
	float hits[];
};

uniform mat4 WorldToGrid;
uniform ivec3 Dims;
uniform float Threshold;
uniform float MaxDistance;
uniform float Step;
uniform float Outside;
uniform int NumRays;

float at(ivec3 c) {
	return vol[c.x + Dims.x*(c.y + Dims.y*c.z)];
}

float sampleWorld(vec3 p) {
	vec3 g = (WorldToGrid * vec4(p, 1.0)).xyz;
	vec3 hi = vec3(Dims - 1);
	if (any(lessThan(g, vec3(-1e-3))) || any(greaterThan(g, hi + 1e-3))) {
		return Outside;
	}
	g = clamp(g, vec3(0.0), hi);
	ivec3 c0 = ivec3(floor(g));
	ivec3 c1 = min(c0 + 1, Dims - 1);
	vec3 f = g - vec3(c0);
	float c00 = mix(at(c0), at(ivec3(c1.x, c0.y, c0.z)), f.x);
	float c10 = mix(at(ivec3(c0.x, c1.y, c0.z)), at(ivec3(c1.x, c1.y, c0.z)), f.x);
	float c01 = mix(at(ivec3(c0.x, c0.y, c1.z)), at(ivec3(c1.x, c0.y, c1.z)), f.x);
	float c11 = mix(at(ivec3(c0.x, c1.y, c1.z)), at(c1), f.x);
	return mix(mix(c00, c10, f.y), mix(c01, c11, f.y), f.z);
}

void main() {
	int idx = int(gl_GlobalInvocationID.x);
	if (idx >= NumRays) {
		return;
	}
	ray r = rays[idx];
	vec3 o = vec3(r.ox, r.oy, r.oz);
	vec3 d = vec3(r.dx, r.dy, r.dz);
	bool rising = r.rising > 0.5;
	int nsteps = int(ceil(MaxDistance / Step));
	float prev = sampleWorld(o);
	float hit = -1.0;
	for (int s = 1; s <= nsteps; s++) {
		float t = min(float(s)*Step, MaxDistance);
		float cur = sampleWorld(o + t*d);
		bool crossed = rising ? (prev < Threshold && cur >= Threshold) : (prev >= Threshold && cur < Threshold);
		if (crossed) {
			float tprev = float(s-1)*Step;
			hit = tprev + (Threshold - prev) / (cur - prev) * (t - tprev);
			break;
		}
		prev = cur;
	}
	hits[idx] = hit;
}
`

func marchShaderSource(invocX int) string {
	return fmt.Sprintf(marchShader, invocX) + "\x00"
}
