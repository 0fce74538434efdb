package loadbalance

import (
	"math/rand/v2"

	"mini-hub/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their Weight. Instances with a non-positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance, _ string) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}

	// 计算总权重
	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for _, v := range instances {
		r -= weightOf(v)
		if r < 0 {
			return v, nil
		}
	}
	return instances[len(instances)-1], nil
}

func weightOf(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
